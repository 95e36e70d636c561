package media

import "github.com/pion/webrtc/v4"

// CandidateQueue holds remote candidates that arrived before the remote
// description was applied. Order is arrival order.
type CandidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) { q.items = append(q.items, c) }

func (q *CandidateQueue) Len() int { return len(q.items) }

// Peek returns the oldest candidate.
func (q *CandidateQueue) Peek() (webrtc.ICECandidateInit, bool) {
	if len(q.items) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	return q.items[0], true
}

// Pop removes the oldest candidate.
func (q *CandidateQueue) Pop() {
	if len(q.items) > 0 {
		q.items[0] = webrtc.ICECandidateInit{}
		q.items = q.items[1:]
	}
}

func (q *CandidateQueue) Clear() { q.items = nil }
