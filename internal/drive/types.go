package drive

import "time"

// Wire types for the drive listing API.

// Item is a single child entry returned by a children listing. Exactly one
// of Folder or File is set; items carrying neither facet are ignored.
type Item struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	LastModified time.Time    `json:"lastModifiedDateTime"`
	Folder       *FolderFacet `json:"folder,omitempty"`
	File         *FileFacet   `json:"file,omitempty"`
}

// IsFolder reports whether the item carries the folder facet.
func (i Item) IsFolder() bool { return i.Folder != nil }

// IsFile reports whether the item carries the file facet.
func (i Item) IsFile() bool { return i.File != nil }

// FolderFacet marks an item as a folder.
type FolderFacet struct {
	ChildCount int `json:"childCount"`
}

// FileFacet marks an item as a file.
type FileFacet struct {
	MimeType string `json:"mimeType,omitempty"`
}

// listResponse is one page of a children listing.
type listResponse struct {
	Value    []Item `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}
