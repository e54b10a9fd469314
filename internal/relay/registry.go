package relay

import (
	"errors"
	"slices"
	"sort"

	"github.com/BioHazard786/huddle/internal/protocol"
)

var (
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotMember      = errors.New("peer is not a member of the room")
	ErrNoRequest      = errors.New("no pending join request for that peer")
	ErrRequestSettled = errors.New("join request already resolved")
	ErrCallEnded      = errors.New("peer has ended its call")
)

// Peer is a connected participant as the relay sees it.
type Peer struct {
	ID        string
	Name      string
	RoomID    string // room the peer was admitted to, empty otherwise
	Requested string // room the peer is waiting to enter, empty otherwise
	Connected bool

	client *Client
}

// JoinRequest is one admission request against a non-empty room.
type JoinRequest struct {
	RequesterID string
	Name        string
	State       protocol.JoinState
}

// Room is an ordered member list plus the admission requests made against it.
type Room struct {
	ID       string
	Members  []string
	Requests []*JoinRequest
	// Ended are members that sent end-call. They stay members until their
	// transport closes but are not offered to newcomers or prompted.
	Ended    []string
}

func (r *Room) hasMember(id string) bool {
	return slices.Contains(r.Members, id)
}

func (r *Room) ended(id string) bool {
	return slices.Contains(r.Ended, id)
}

// active returns the members still in the call.
func (r *Room) active() []string {
	out := make([]string, 0, len(r.Members))
	for _, id := range r.Members {
		if !r.ended(id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) request(requesterID string) *JoinRequest {
	for _, req := range r.Requests {
		if req.RequesterID == requesterID {
			return req
		}
	}
	return nil
}

func (r *Room) pending() []*JoinRequest {
	var out []*JoinRequest
	for _, req := range r.Requests {
		if req.State == protocol.JoinPending {
			out = append(out, req)
		}
	}
	return out
}

// JoinOutcome says which branch a join took.
type JoinOutcome int

const (
	// JoinCreated means the room was unknown or empty and the peer is now its
	// only member.
	JoinCreated JoinOutcome = iota
	// JoinAlreadyMember means the peer was already admitted; nothing changed.
	JoinAlreadyMember
	// JoinPendingApproval means a new admission request was recorded.
	JoinPendingApproval
	// JoinStillPending means the peer already had a pending request here.
	JoinStillPending
)

// JoinResult describes the effects of a join.
type JoinResult struct {
	Outcome JoinOutcome
	RoomID  string
	// Members are the active members other than the joining peer at the time
	// of the join. For JoinPendingApproval they are the peers to prompt.
	Members []string
	// Pending are the requests still waiting, for JoinAlreadyMember.
	Pending []*JoinRequest
	// Left is set when the peer had to leave another room first.
	Left *LeaveResult
}

// LeaveResult describes the effects of a peer leaving its room.
type LeaveResult struct {
	PeerID     string
	RoomID     string
	Remaining  []string
	RoomClosed bool
	// Stranded are requests that were pending when the room closed. They
	// are now rejected.
	Stranded []*JoinRequest
	// Withdrawn is the room whose pending request the peer abandoned, if any.
	Withdrawn string
	// WithdrawnMembers are the members of Withdrawn who saw the prompt.
	WithdrawnMembers []string
}

// ResolveResult describes the effects of an approve or reject.
type ResolveResult struct {
	Request *JoinRequest
	RoomID  string
	// Existing are the active members before the requester was appended.
	Existing []string
	// Pending are the other requests still waiting after an accept. The
	// newcomer is prompted for them.
	Pending []*JoinRequest
}

// RoomInfo is a point-in-time copy of a room.
type RoomInfo struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
	Pending []string `json:"pending"`
}

// Registry owns rooms and peers. It is not safe for concurrent use; the hub
// goroutine is its only caller.
type Registry struct {
	peers map[string]*Peer
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
		rooms: make(map[string]*Room),
	}
}

// AddPeer records a freshly connected peer.
func (r *Registry) AddPeer(id, name string, client *Client) *Peer {
	p := &Peer{ID: id, Name: name, Connected: true, client: client}
	r.peers[id] = p
	return p
}

func (r *Registry) Peer(id string) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) Room(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) PeerCount() int { return len(r.peers) }
func (r *Registry) RoomCount() int { return len(r.rooms) }

// Join applies a join request from peerID for roomID. The caller validates
// the room id.
func (r *Registry) Join(peerID, roomID string) (JoinResult, error) {
	p, ok := r.peers[peerID]
	if !ok {
		return JoinResult{}, ErrUnknownPeer
	}

	res := JoinResult{RoomID: roomID}

	if p.RoomID == roomID {
		room := r.rooms[roomID]
		room.Ended = without(room.Ended, peerID)
		res.Outcome = JoinAlreadyMember
		res.Members = without(room.active(), peerID)
		res.Pending = room.pending()
		return res, nil
	}

	if p.Requested == roomID {
		if room, ok := r.rooms[roomID]; ok {
			if req := room.request(peerID); req != nil && req.State == protocol.JoinPending {
				res.Outcome = JoinStillPending
				res.Members = room.active()
				return res, nil
			}
		}
	}

	// A peer belongs to at most one room and waits on at most one request.
	if p.RoomID != "" || p.Requested != "" {
		left := r.leave(p)
		res.Left = &left
	}

	room, ok := r.rooms[roomID]
	if !ok || len(room.Members) == 0 {
		if !ok {
			room = &Room{ID: roomID}
			r.rooms[roomID] = room
		}
		room.Members = append(room.Members, peerID)
		p.RoomID = roomID
		res.Outcome = JoinCreated
		return res, nil
	}

	if req := room.request(peerID); req != nil {
		// A settled request from an earlier attempt is replaced.
		room.Requests = slices.DeleteFunc(room.Requests, func(q *JoinRequest) bool { return q == req })
	}
	room.Requests = append(room.Requests, &JoinRequest{
		RequesterID: peerID,
		Name:        p.Name,
		State:       protocol.JoinPending,
	})
	p.Requested = roomID
	res.Outcome = JoinPendingApproval
	res.Members = room.active()
	return res, nil
}

// Resolve settles requesterID's pending request on behalf of memberID.
func (r *Registry) Resolve(memberID, requesterID string, accept bool) (ResolveResult, error) {
	member, ok := r.peers[memberID]
	if !ok {
		return ResolveResult{}, ErrUnknownPeer
	}
	if member.RoomID == "" {
		return ResolveResult{}, ErrNotMember
	}
	room := r.rooms[member.RoomID]
	if room.ended(memberID) {
		return ResolveResult{}, ErrCallEnded
	}
	req := room.request(requesterID)
	if req == nil {
		return ResolveResult{}, ErrNoRequest
	}
	if req.State.Terminal() {
		return ResolveResult{}, ErrRequestSettled
	}

	res := ResolveResult{Request: req, RoomID: room.ID, Existing: room.active()}
	requester := r.peers[requesterID]

	if !accept {
		req.State = protocol.JoinRejected
		if requester != nil && requester.Requested == room.ID {
			requester.Requested = ""
		}
		return res, nil
	}

	req.State = protocol.JoinAccepted
	if !room.hasMember(requesterID) {
		room.Members = append(room.Members, requesterID)
	}
	if requester != nil {
		requester.Requested = ""
		requester.RoomID = room.ID
	}
	res.Pending = room.pending()
	return res, nil
}

// EndCall marks peerID's call as over without removing it from its room.
// It returns the room and the active members to notify; roomID is empty when
// there is nothing to announce.
func (r *Registry) EndCall(peerID string) (roomID string, notify []string, err error) {
	p, ok := r.peers[peerID]
	if !ok {
		return "", nil, ErrUnknownPeer
	}
	room, ok := r.rooms[p.RoomID]
	if !ok || room.ended(peerID) {
		return "", nil, nil
	}
	room.Ended = append(room.Ended, peerID)
	return room.ID, room.active(), nil
}

// Leave removes peerID from its room and abandons any request it made.
func (r *Registry) Leave(peerID string) (LeaveResult, error) {
	p, ok := r.peers[peerID]
	if !ok {
		return LeaveResult{}, ErrUnknownPeer
	}
	return r.leave(p), nil
}

// RemovePeer leaves and forgets peerID.
func (r *Registry) RemovePeer(peerID string) (LeaveResult, error) {
	p, ok := r.peers[peerID]
	if !ok {
		return LeaveResult{}, ErrUnknownPeer
	}
	res := r.leave(p)
	p.Connected = false
	delete(r.peers, peerID)
	return res, nil
}

func (r *Registry) leave(p *Peer) LeaveResult {
	res := LeaveResult{PeerID: p.ID}

	if p.Requested != "" {
		if room, ok := r.rooms[p.Requested]; ok {
			room.Requests = slices.DeleteFunc(room.Requests, func(q *JoinRequest) bool {
				return q.RequesterID == p.ID
			})
			res.Withdrawn = room.ID
			res.WithdrawnMembers = slices.Clone(room.Members)
		}
		p.Requested = ""
	}

	if p.RoomID == "" {
		return res
	}

	room := r.rooms[p.RoomID]
	res.RoomID = p.RoomID
	p.RoomID = ""
	if room == nil {
		return res
	}

	room.Members = without(room.Members, p.ID)
	room.Ended = without(room.Ended, p.ID)
	res.Remaining = slices.Clone(room.Members)

	if len(room.Members) == 0 {
		for _, req := range room.pending() {
			req.State = protocol.JoinRejected
			if q, ok := r.peers[req.RequesterID]; ok && q.Requested == room.ID {
				q.Requested = ""
			}
			res.Stranded = append(res.Stranded, req)
		}
		delete(r.rooms, room.ID)
		res.RoomClosed = true
	}
	return res
}

// Snapshot copies every room, sorted by id.
func (r *Registry) Snapshot() []RoomInfo {
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		info := RoomInfo{ID: room.ID, Members: slices.Clone(room.Members), Pending: []string{}}
		for _, req := range room.pending() {
			info.Pending = append(info.Pending, req.RequesterID)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
