// Package feedback records recognized images together with their text and a quality
// label, as a metadata.csv table next to PNG copies of the images.
package feedback

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex/util/fileutil"
	"github.com/knights-analytics/mixtex/util/textutil"
)

const (
	MetadataFile = "metadata.csv"

	// WorthThreshold is the repetition count above which a result is not worth recording.
	WorthThreshold = 12
)

var header = []string{"file_name", "text", "feedback"}

// Label is the quality verdict attached to a recognized image.
type Label string

const (
	Perfect Label = "Perfect"
	Normal  Label = "Normal"
	Mistake Label = "Mistake"
	Error   Label = "Error"
	Repeat  Label = "Repeat"
)

// Annotation labels a record with a user supplied correction.
func Annotation(text string) Label {
	return Label("Annotation: " + text)
}

// ParseLabel maps a user command to one of the fixed labels.
func ParseLabel(s string) (Label, error) {
	switch s {
	case "perfect", "Perfect":
		return Perfect, nil
	case "normal", "Normal":
		return Normal, nil
	case "mistake", "Mistake":
		return Mistake, nil
	case "error", "Error":
		return Error, nil
	case "repeat", "Repeat":
		return Repeat, nil
	}
	return "", fmt.Errorf("unknown feedback label %q", s)
}

type Record struct {
	FileName string
	Text     string
	Label    Label
}

// Store is the feedback table of one data directory. Saves are synchronous; local
// directories are additionally guarded by a lock file shared with other processes.
type Store struct {
	lock    *flock.Flock
	now     func() time.Time
	dir     string
	path    string
	records []Record
	mu      sync.Mutex
}

// Open loads dir/metadata.csv, creating the directory and an empty table with just the
// header when they do not exist.
func Open(dir string) (*Store, error) {
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating feedback directory %s: %w", dir, err)
	}
	s := &Store{
		dir:  dir,
		path: fileutil.PathJoinSafe(dir, MetadataFile),
		now:  time.Now,
	}
	if fileutil.GetPathType(dir) == "os" {
		s.lock = flock.New(s.path + ".lock")
	}

	err := s.withLock(func() error {
		exists, err := fileutil.FileExists(s.path)
		if err != nil {
			return err
		}
		if !exists {
			return s.flush()
		}
		s.records, err = s.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Records returns a copy of the table rows in file order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Save labels text. A row with exactly the same text only has its label replaced;
// otherwise img is written as a new PNG and a row is appended.
func (s *Store) Save(img image.Image, text string, label Label) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saved Record
	err := s.withLock(func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		s.records = records

		for i := range s.records {
			if s.records[i].Text == text {
				s.records[i].Label = label
				saved = s.records[i]
				return s.flush()
			}
		}

		if img == nil {
			return errors.New("no image to record")
		}
		fileName := strconv.FormatInt(s.now().Unix(), 10) + "-" + uuid.NewString()[:8] + ".png"
		if err = writePNG(fileutil.PathJoinSafe(s.dir, fileName), img); err != nil {
			return err
		}
		saved = Record{FileName: fileName, Text: text, Label: label}
		s.records = append(s.records, saved)
		return s.flush()
	})
	if err != nil {
		return Record{}, fmt.Errorf("saving feedback: %w", err)
	}
	log.Info().Str("file", saved.FileName).Str("feedback", string(label)).Msg("feedback recorded")
	return saved, nil
}

// Worth reports whether text is a result worth asking feedback for: it must not be empty
// and must not contain a pattern repeated threshold times.
func Worth(text string, threshold int) bool {
	return text != "" && !textutil.HasRepetition(text, threshold)
}

func (s *Store) withLock(fn func() error) (err error) {
	if s.lock == nil {
		return fn()
	}
	if err = s.lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", s.lock.Path(), err)
	}
	defer func() {
		err = errors.Join(err, s.lock.Unlock())
	}()
	return fn()
}

func (s *Store) load() ([]Record, error) {
	data, err := fileutil.ReadFileBytes(s.path)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = len(header)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, Record{FileName: row[0], Text: row[1], Label: Label(row[2])})
	}
	return records, nil
}

func (s *Store) flush() error {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range s.records {
		if err := writer.Write([]string{r.FileName, r.Text, string(r.Label)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return fileutil.WriteFileBytes(s.path, buf.Bytes(), "text/csv")
}

func writePNG(path string, img image.Image) error {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return fileutil.WriteFileBytes(path, buf.Bytes(), "image/png")
}
