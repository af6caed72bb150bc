package engine

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// epoch pins header timestamps so identical inputs give identical contexts
// and the daemon's layer cache is reused on redelivery.
var epoch = time.Unix(0, 0)

// TarContext packs a BuildContext into the tar stream the build API expects.
func TarContext(bc BuildContext) (*bytes.Buffer, error) {
	if bc.Dockerfile == "" {
		return nil, fmt.Errorf("build %s: empty Dockerfile", bc.Tag)
	}
	names := make([]string, 0, len(bc.Files))
	for name := range bc.Files {
		clean := path.Clean(name)
		if clean == "Dockerfile" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("build %s: invalid context path %q", bc.Tag, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := writeEntry(tw, "Dockerfile", []byte(bc.Dockerfile)); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := writeEntry(tw, path.Clean(name), bc.Files[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close build context: %w", err)
	}
	return buf, nil
}

func writeEntry(tw *tar.Writer, name string, body []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
