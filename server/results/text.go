package results

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/server/storage"
)

// TextSink writes one text file per frame:
//
//	result_<channel>_<frame>_<YYYYmmddHHMMSS>.txt
//
// The first line is a header, followed by one line per object.
type TextSink struct {
	store  storage.Storage
	labels []string
	now    func() time.Time
}

func NewTextSink(store storage.Storage, labels []string) *TextSink {
	return &TextSink{
		store:  store,
		labels: labels,
		now:    time.Now,
	}
}

// Filename returns the name of the result file for a frame
func Filename(channel int, frameID uint64, t time.Time) string {
	return fmt.Sprintf("result_%v_%v_%v.txt", channel, frameID, t.Format("20060102150405"))
}

// formatNumber prints like a C++ stream with default precision (6 significant digits)
func formatNumber(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}

// FormatResult renders the content of a result file
func FormatResult(res *nn.DetectionResult, labels []string) []byte {
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "[Channel%v-Frame%v] Object detected number is %v\n", res.ChannelID, res.FrameID, len(res.Objects))
	for i, obj := range res.Objects {
		label := obj.Label
		if label == "" {
			label = nn.LabelFor(labels, obj.Class)
		}
		fmt.Fprintf(b, "#Obj%v, box(%v, %v, %v, %v)  confidence: %v  label: %v\n", i,
			formatNumber(obj.Box.X1), formatNumber(obj.Box.Y1), formatNumber(obj.Box.X2), formatNumber(obj.Box.Y2),
			formatNumber(obj.Confidence), label)
	}
	return b.Bytes()
}

func (s *TextSink) WriteResult(res *nn.DetectionResult) error {
	name := Filename(res.ChannelID, res.FrameID, s.now())
	if err := storage.WriteFile(s.store, name, bytes.NewReader(FormatResult(res, s.labels))); err != nil {
		return fmt.Errorf("Failed to write %v: %w", name, err)
	}
	return nil
}

func (s *TextSink) ChannelEOF(channel int) error {
	return nil
}

func (s *TextSink) Close() error {
	return nil
}
