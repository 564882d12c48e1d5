package pqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"oss.nandlabs.io/gridmesh/codec"
	"oss.nandlabs.io/gridmesh/ioutils"
	"oss.nandlabs.io/gridmesh/vfs"
)

// errArchiveNoFreeName is returned by Archiver.Write when 1000 candidate
// filenames are all already occupied (spec.md §4.7 purge archiving).
var errArchiveNoFreeName = errors.New("pqueue: no free archive filename found in 1000 attempts")

// archiveBody is the structured payload written to an archive file:
// {meta, body} with body holding the purged rows, per spec.md §4.7.
type archiveBody struct {
	Meta struct {
		ArchivedAt time.Time `json:"archived_at" xml:"archived_at" yaml:"archived_at"`
		Count      int       `json:"count" xml:"count" yaml:"count"`
	} `json:"meta" xml:"meta" yaml:"meta"`
	Body []*Message `json:"body" xml:"body" yaml:"body"`
}

// Archiver writes purged messages to a structured file instead of
// discarding them, probing for the first free filename the way
// vfs.localfs's OsFs requires an existence check before Create (os.Create
// truncates an existing file, so a blind write would silently clobber a
// prior archive).
type Archiver struct {
	fs      vfs.Manager
	codec   codec.Codec
	pattern string // e.g. "arc/q_*.json"; '*' is replaced by a timestamp
}

// NewArchiver builds an Archiver writing JSON bodies through the
// registered "application/json" codec to the local filesystem manager.
func NewArchiver(pattern string) (*Archiver, error) {
	c, err := codec.Get(ioutils.MimeApplicationJSON, nil)
	if err != nil {
		return nil, err
	}
	return &Archiver{fs: vfs.GetManager(), codec: c, pattern: pattern}, nil
}

// Write serializes messages to the first unoccupied filename derived from
// the archiver's pattern, trying up to 1000 timestamp/suffix variants.
func (a *Archiver) Write(now time.Time, messages []*Message) (string, error) {
	stamp := now.UTC().Unix()
	for attempt := 0; attempt < 1000; attempt++ {
		name := a.candidateName(stamp, attempt)
		if existing, err := a.fs.OpenRaw(name); err == nil {
			existing.Close()
			continue
		}
		f, err := a.fs.CreateRaw(name)
		if err != nil {
			return "", err
		}
		defer f.Close()

		var body archiveBody
		body.Meta.ArchivedAt = now
		body.Meta.Count = len(messages)
		body.Body = messages
		if err := a.codec.Write(body, f); err != nil {
			return "", err
		}
		return name, nil
	}
	return "", errArchiveNoFreeName
}

// candidateName substitutes the pattern's '*' with a unix timestamp, and
// for attempt>0 appends a disambiguating suffix before the extension.
func (a *Archiver) candidateName(stamp int64, attempt int) string {
	name := strings.Replace(a.pattern, "*", fmt.Sprintf("%d", stamp), 1)
	if attempt == 0 {
		return name
	}
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		return fmt.Sprintf("%s-%d%s", name[:dot], attempt, name[dot:])
	}
	return fmt.Sprintf("%s-%d", name, attempt)
}
