package nucinstdig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// SaveSnapshot writes every non-empty SpectraBuffer to dir as a 2-D .npy file
// named <run>_<group>.npy, and returns the files written.
func (d *Digitizer) SaveSnapshot(dir string) ([]string, error) {
	run := d.RunID()
	if run == "" {
		run = "norun"
	}
	var written []string
	for _, name := range []string{GroupTraces, GroupDarkCounts, GroupTOF} {
		fname := filepath.Join(dir, fmt.Sprintf("%s_%s.npy", run, name))
		ok, err := writeSnapshot(d.groups[name].buffer, fname)
		if err != nil {
			return written, d.record("save snapshot", err)
		}
		if ok {
			written = append(written, fname)
		}
	}
	return written, d.record(fmt.Sprintf("save snapshot of %d buffers in %s", len(written), dir), nil)
}

// writeSnapshot saves buffer as an nSpectra x nPoints array. An empty buffer
// writes nothing and returns false.
func writeSnapshot(buffer *SpectraBuffer, fname string) (bool, error) {
	m := buffer.Matrix()
	if m == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(fname), 0775); err != nil {
		return false, err
	}
	f, err := os.Create(fname)
	if err != nil {
		return false, err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return false, fmt.Errorf("writing %s: %w", fname, err)
	}
	return true, f.Close()
}
