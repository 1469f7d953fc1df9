package jobs

const (
	TaskTypeDownload        = "xma:download_post_media"
	TaskTypeAutotagAll      = "xma:autotag_all"
	TaskTypeAutotagUntagged = "xma:autotag_untagged"
	TaskTypeReconcileDB     = "xma:reconcile_db"
	TaskTypeDeleteUser      = "xma:delete_user"
	TaskTypeDeleteImage     = "xma:delete_image"
	TaskTypeDeleteImages    = "xma:delete_images"
	TaskTypeRetagImage      = "xma:retag_image"
	TaskTypeRetagImages     = "xma:retag_images"

	TaskListKey     = "xma:download_task_ids"
	TaskURLHashKey  = "xma:download_task_urls"
	AutotagLastTask = "xma:autotag:last_task_id"
	RetagLastTask   = "xma:retag:last_task_id"
	taskMetaPrefix  = "xma:task-meta-"
	MaxTrackedTasks = 200

	StatePending  = "PENDING"
	StateProgress = "PROGRESS"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
)
