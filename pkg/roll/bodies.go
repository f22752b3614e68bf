package roll

// GalleryLoadBody is the payload for gallery.load. Empty directories and
// kinds load the node's configured sources.
type GalleryLoadBody struct {
	Directories []string `json:"directories,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
	Rescan      bool     `json:"rescan,omitempty"`
}

// GalleryListBody is the payload for gallery.list.
type GalleryListBody struct {
	Start int64 `json:"start"`
	Count int64 `json:"count"`
}

// Position is the wire form of the current gallery position.
type Position struct {
	Locator     string `json:"locator,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Index       int64  `json:"index"`
	Total       int64  `json:"total"`
	DisplayName string `json:"displayName,omitempty"`
	CapturedAt  int64  `json:"capturedAt,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ThumbURL    string `json:"thumbUrl,omitempty"`
}

// Empty reports whether nothing is selected.
func (p Position) Empty() bool {
	return p.Index == 0
}

// PositionReply is the reply body for gallery.next, gallery.current and gallery.load.
type PositionReply struct {
	Position Position `json:"position"`
}

// DeleteReply is the reply body for a successful gallery.delete.
type DeleteReply struct {
	Deleted  string   `json:"deleted"`
	Position Position `json:"position"`
}

// GalleryItem describes one indexed record in a listing.
type GalleryItem struct {
	Index       int64  `json:"index"`
	Locator     string `json:"locator"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName"`
	CapturedAt  int64  `json:"capturedAt"`
	Current     bool   `json:"current,omitempty"`
}

// GalleryListReply is the reply body for gallery.list.
type GalleryListReply struct {
	Items []GalleryItem `json:"items"`
	Start int64         `json:"start"`
	Count int64         `json:"count"`
	Total int64         `json:"total"`
}

// GalleryState is the retained state published by a gallery node.
type GalleryState struct {
	Position Position `json:"position"`
	Counter  string   `json:"counter"`
	Loading  bool     `json:"loading,omitempty"`
	Progress string   `json:"progress,omitempty"`
	Revision int64    `json:"revision"`
	TS       int64    `json:"ts"`
}
