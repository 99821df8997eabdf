package workflow

// Broker task names and queues. The tracker identifies AI tasks by the
// "aiworker" name prefix plus the two aicontroller acquisition names.
const (
	TaskTrain              = "aiworker.train"
	TaskInference          = "aiworker.inference"
	TaskUpdateModel        = "aiworker.call_update_model"
	TaskAverageModelStates = "aiworker.call_average_model_states"
	TaskGetTrainingImages  = "aicontroller.get_training_images"
	TaskGetInferenceImages = "aicontroller.get_inference_images"

	// Maintenance tasks executed by workers outside workflow runs.
	TaskDeleteModelStates = "aiworker.delete_model_states"
	TaskGetTrainingStats  = "aiworker.get_training_stats"

	QueueAIWorker     = "AIWorker"
	QueueAIController = "AIController"

	WorkerTaskPrefix = "aiworker"
)

// IsAITaskName reports whether a broker task name belongs to this subsystem.
func IsAITaskName(name string) bool {
	if len(name) >= len(WorkerTaskPrefix) && name[:len(WorkerTaskPrefix)] == WorkerTaskPrefix {
		return true
	}
	return name == TaskGetTrainingImages || name == TaskGetInferenceImages
}
