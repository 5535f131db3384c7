// Package nn holds the types shared by the detection decoder and the stages that consume its output.
package nn

const DefaultScoreThreshold = 0.3
const DefaultObjectnessThreshold = 0.3
const DefaultNmsIouThreshold = 0.45

// NN object detection parameters
type DetectionParams struct {
	ScoreThreshold      float32 // A box survives only if its class probability is strictly greater than this
	ObjectnessThreshold float32 // A cell/anchor is discarded if its objectness is <= this
	NmsIouThreshold     float32 // Same-class boxes with IoU strictly greater than this are suppressed
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ScoreThreshold:      DefaultScoreThreshold,
		ObjectnessThreshold: DefaultObjectnessThreshold,
		NmsIouThreshold:     DefaultNmsIouThreshold,
	}
}

// ObjectDetection is an object that a neural network has found in an image.
// Box is in pixel coordinates of the original (pre-resize) image.
type ObjectDetection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label,omitempty"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Results of an NN object detection run on one frame of one channel
type DetectionResult struct {
	ChannelID   int               `json:"channelID"`
	FrameID     uint64            `json:"frameID"`
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Objects     []ObjectDetection `json:"objects"`
}

// LabelFor returns the label of class, or the empty string if class is out of range
func LabelFor(labels []string, class int) string {
	if class < 0 || class >= len(labels) {
		return ""
	}
	return labels[class]
}
