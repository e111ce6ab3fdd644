package session

// ReadState tracks which message ids have already been acknowledged as read
// during the current chat view. It is rebuilt on every open and never
// persisted, so a receipt is issued at most once per view even under
// redundant calls.
type ReadState struct {
	seen map[int64]struct{}
}

func NewReadState() *ReadState {
	return &ReadState{seen: make(map[int64]struct{})}
}

// MarkIfNew records the id and reports whether it was new. A false return
// means the receipt was already issued this session.
func (r *ReadState) MarkIfNew(messageID int64) bool {
	if _, ok := r.seen[messageID]; ok {
		return false
	}
	r.seen[messageID] = struct{}{}
	return true
}

func (r *ReadState) Reset() {
	r.seen = make(map[int64]struct{})
}
