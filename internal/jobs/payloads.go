package jobs

// Task payloads are JSON so the queue stays inspectable with redis tooling.

type DownloadTaskPayload struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
}

type AutotagTaskPayload struct {
	TaskID string `json:"task_id"`
}

type DeleteUserTaskPayload struct {
	TaskID   string `json:"task_id"`
	Username string `json:"username"`
}

type DeleteImageTaskPayload struct {
	TaskID   string `json:"task_id"`
	Filepath string `json:"filepath"`
}

type DeleteImagesTaskPayload struct {
	TaskID    string   `json:"task_id"`
	Filepaths []string `json:"filepaths"`
}

type RetagImageTaskPayload struct {
	TaskID   string `json:"task_id"`
	Filepath string `json:"filepath"`
}

type RetagImagesTaskPayload struct {
	TaskID    string   `json:"task_id"`
	Filepaths []string `json:"filepaths"`
}
