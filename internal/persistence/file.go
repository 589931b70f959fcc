package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtracker/pkg/model"
)

const (
	recordFilePrefix = "test_results"
	recordFileSuffix = ".json"
)

var recordFileRegexp = regexp.MustCompile(`^` + recordFilePrefix + `(\d+)\` + recordFileSuffix + `$`)

// recordFile is a single rotation file holding records keyed by test id.
type recordFile struct {
	index int
	path  string
}

func recordFileName(index int) string {
	return recordFilePrefix + strconv.Itoa(index) + recordFileSuffix
}

// load reads the records in rf. A missing file is not an error and yields an
// empty map. Keys that are not decimal test ids are skipped.
func (rf recordFile) load() (map[int]model.Record, error) {
	records := map[int]model.Record{}
	data, err := os.ReadFile(rf.path)
	if errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return records, err
	}
	raw := map[string]model.Record{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return records, fmt.Errorf("corrupt record file %s: %w", rf.path, err)
	}
	for k, r := range raw {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			log.Warn("skipping invalid record key", "file", rf.path, "key", k)
			continue
		}
		r.TestID = id
		records[id] = r
	}
	return records, nil
}

// store replaces the content of rf with records. The data is written to a
// temporary file in the same directory and renamed over the target, so a
// concurrent reader sees either the old or the new content.
func (rf recordFile) store(records map[int]model.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(rf.path), ".tmp-"+filepath.Base(rf.path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, rf.path)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// listRecordFiles returns the record files found in dir, sorted by index.
func listRecordFiles(dir string) ([]recordFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []recordFile{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := recordFileRegexp.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, recordFile{
			index: index,
			path:  filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].index < files[j].index
	})
	return files, nil
}
