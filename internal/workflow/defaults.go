package workflow

// MinTimestampLastState is the marker value for min_timestamp meaning "since
// the most recent model state's creation time; if none, from epoch".
const MinTimestampLastState = "lastState"

// DefaultArgs holds the built-in kwarg defaults per task kind. These fill
// last, after explicit kwargs, document options and project defaults.
var DefaultArgs = map[string]map[string]any{
	KindTrain: {
		"min_timestamp":            MinTimestampLastState,
		"min_anno_per_image":       0,
		"include_golden_questions": true,
		"max_num_images":           0,
		"max_num_workers":          1,
	},
	KindInference: {
		"force_unlabeled":       true,
		"golden_questions_only": false,
		"max_num_images":        0,
		"max_num_workers":       1,
	},
}

// defaultArgsFor returns a copy of the defaults for a task kind.
func defaultArgsFor(kind string) map[string]any {
	defaults, ok := DefaultArgs[kind]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out
}

// DefaultAutotrainWorkflow is the two-step train-then-inference document used
// when a project has auto-training enabled but no default workflow set. The
// caps parameterize it with project-specific limits.
func DefaultAutotrainWorkflow(maxNumImagesTrain, maxNumImagesInference int) *Document {
	return &Document{
		Tasks: []TaskSpec{
			{
				ID:   "train0",
				Type: KindTrain,
				Kwargs: map[string]any{
					"min_timestamp":  MinTimestampLastState,
					"max_num_images": maxNumImagesTrain,
				},
			},
			{
				ID:   "inference0",
				Type: KindInference,
				Kwargs: map[string]any{
					"force_unlabeled": true,
					"max_num_images":  maxNumImagesInference,
				},
			},
		},
	}
}
