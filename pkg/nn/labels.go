package nn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load a label file. The first line is a header and is skipped.
// Every following line is the label of the next class id.
func LoadLabelFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	labels, err := ReadLabels(f)
	if err != nil {
		return nil, fmt.Errorf("Error reading label file %v: %w", filename, err)
	}
	return labels, nil
}

// ReadLabels parses the label file format from r
func ReadLabels(r io.Reader) ([]string, error) {
	labels := []string{}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// Trailing blank lines are not classes
	for len(labels) != 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("No labels found")
	}
	return labels, nil
}
