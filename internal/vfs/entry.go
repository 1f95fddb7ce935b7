package vfs

import (
	"time"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/metadata"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
)

// FolderContentType is stored on every folder marker.
const FolderContentType = "application/x-directory"

// Entry is a file or folder as users see it.
type Entry struct {
	Key          string        `json:"key"`
	Owner        string        `json:"owner"`
	Name         string        `json:"name"`
	ParentPath   keycodec.Path `json:"parent_path"`
	IsFolder     bool          `json:"is_folder"`
	Size         int64         `json:"size"`
	ContentType  string        `json:"content_type,omitempty"`
	LastModified time.Time     `json:"last_modified"`
	URL          string        `json:"url,omitempty"`
	ShareToken   string        `json:"share_token,omitempty"`
}

// Path returns the entry's full logical path.
func (e Entry) Path() keycodec.Path {
	return e.ParentPath.Child(e.Name)
}

func (s *Service) entryFromObject(obj objstore.ObjectInfo, d keycodec.Decoded) Entry {
	e := Entry{
		Key:          obj.Key,
		Owner:        d.Owner,
		Name:         d.Name,
		ParentPath:   d.Parent,
		IsFolder:     d.IsFolder,
		Size:         obj.Size,
		ContentType:  obj.ContentType,
		LastModified: obj.LastModified,
	}
	if d.IsFolder {
		e.Size = 0
		e.ContentType = FolderContentType
	} else {
		e.URL = s.publicURL(obj.Key)
	}
	return e
}

func (s *Service) entryFromRecord(r metadata.Record) Entry {
	parent, err := keycodec.ParsePath(r.ParentPath)
	if err != nil {
		parent = keycodec.Root
	}
	e := Entry{
		Key:          r.Key,
		Owner:        r.Owner,
		Name:         r.Name,
		ParentPath:   parent,
		IsFolder:     r.IsFolder,
		Size:         r.Size,
		ContentType:  r.ContentType,
		LastModified: r.CreatedAt,
		ShareToken:   r.ShareToken,
	}
	if !r.IsFolder {
		e.URL = s.publicURL(r.Key)
	}
	return e
}

func recordFromEntry(e Entry) metadata.Record {
	return metadata.Record{
		Owner:       e.Owner,
		Key:         e.Key,
		Name:        e.Name,
		ParentPath:  e.ParentPath.String(),
		IsFolder:    e.IsFolder,
		Size:        e.Size,
		ContentType: e.ContentType,
		ShareToken:  e.ShareToken,
		CreatedAt:   e.LastModified,
	}
}
