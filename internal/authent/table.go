// Package authent tracks every connection the server knows about, from the
// first reliable connect through authentication and play.
//
// A session starts Connecting when its reliable channel opens and is handed
// a challenge token (AuthentID). The client echoes the token on its
// unreliable channel, which binds that unreliable address to the session.
// Only then may it authenticate with a name and version. Accepted sessions
// get a UserID and move through Downloading, CatchingUp and Playing.
//
// The table is owned by the server poll loop and is not safe for concurrent
// use.
package authent

import (
	"fmt"
	"sort"
	"time"

	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

const (
	ReasonVersionMismatch = "version mismatch"
	ReasonNameInUse       = "name already in use"
	ReasonServerFull      = "server full"
)

type DuplicateConnectionError struct {
	Conn transport.ConnID
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("Connection %d is already registered", e.Conn)
}

type MissingConnectionError struct {
	Conn transport.ConnID
}

func (e *MissingConnectionError) Error() string {
	return fmt.Sprintf("Missing connection with id=%d", e.Conn)
}

type TooManyClientsError struct{}

func (e *TooManyClientsError) Error() string {
	return "Too many clients are connecting - cannot accept new connection"
}

// NotReadyError means Connect arrived before the unreliable channel was
// bound with the challenge token.
type NotReadyError struct {
	Conn transport.ConnID
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("Connection %d tried to authenticate before binding its unreliable channel", e.Conn)
}

type AlreadyAuthenticatedError struct {
	Conn transport.ConnID
}

func (e *AlreadyAuthenticatedError) Error() string {
	return fmt.Sprintf("Connection %d is already authenticated", e.Conn)
}

type GameState uint8

const (
	GameState_Downloading GameState = iota
	GameState_CatchingUp
	GameState_Playing
)

func (s GameState) String() string {
	switch s {
	case GameState_Downloading:
		return "Downloading"
	case GameState_CatchingUp:
		return "CatchingUp"
	case GameState_Playing:
		return "Playing"
	}
	return "Unknown"
}

// Client is an authenticated session. Fields past State are bookkeeping the
// server loop updates directly.
type Client struct {
	AuthentID      message.AuthentID
	ID             message.UserID
	Name           string
	Conn           transport.ConnID
	UnreliableAddr string
	State          GameState

	// Ack is the last merged frame the client reported consuming.
	Ack message.Frame

	// ExpectFrom is the first frame this client is expected to contribute
	// input to. Set when the client starts playing.
	ExpectFrom message.Frame

	// Misses counts consecutive merged frames without this client's input.
	Misses int

	// AuthenticatedTime bounds how long the client may take to start
	// playing.
	AuthenticatedTime time.Time
}

type session struct {
	authentID      message.AuthentID
	conn           transport.ConnID
	unreliableAddr string
	createdTime    time.Time
	decodeErrors   int
	client         *Client
}

type TableParams struct {
	Version    string
	MaxClients int

	// MaxPending caps sessions that have not authenticated yet. Defaults to
	// four times MaxClients.
	MaxPending int

	IDs utils.IDSource
}

type Table struct {
	version    string
	maxClients int
	maxPending int
	ids        utils.IDSource

	nextUserID message.UserID
	names      map[string]struct{}
	sessions   map[message.AuthentID]*session
	byConn     map[transport.ConnID]*session
	byAddr     map[string]*session
	byUser     map[message.UserID]*Client
	nPending   int
}

func CreateTable(params TableParams) *Table {
	if params.MaxClients <= 0 {
		params.MaxClients = 32
	}
	if params.MaxPending <= 0 {
		params.MaxPending = params.MaxClients * 4
	}
	if params.IDs == nil {
		params.IDs = utils.CryptoIDSource{}
	}

	return &Table{
		version:    params.Version,
		maxClients: params.MaxClients,
		maxPending: params.MaxPending,
		ids:        params.IDs,
		nextUserID: 1,
		names:      make(map[string]struct{}),
		sessions:   make(map[message.AuthentID]*session),
		byConn:     make(map[transport.ConnID]*session),
		byAddr:     make(map[string]*session),
		byUser:     make(map[message.UserID]*Client),
	}
}

// ReserveName keeps a name (the server-hosted player's) out of reach of
// remote clients. Returns false if it is already taken.
func (t *Table) ReserveName(name string) bool {
	if _, has := t.names[name]; has {
		return false
	}
	t.names[name] = struct{}{}
	return true
}

// ReliableConnected registers a new connection and returns the challenge
// token to send it.
func (t *Table) ReliableConnected(conn transport.ConnID, now time.Time) (message.AuthentID, error) {
	if _, has := t.byConn[conn]; has {
		return 0, &DuplicateConnectionError{Conn: conn}
	}
	if t.nPending >= t.maxPending {
		return 0, &TooManyClientsError{}
	}

	id := t.ids.NextAuthentID()
	for _, taken := t.sessions[id]; taken || id == 0; _, taken = t.sessions[id] {
		id = t.ids.NextAuthentID()
	}

	s := &session{
		authentID:   id,
		conn:        conn,
		createdTime: now,
	}
	t.sessions[id] = s
	t.byConn[conn] = s
	t.nPending++
	return id, nil
}

// UnreliableConnect binds addr to the session holding id. It returns true
// when the binding is new and the server should answer with ReadyForAuth.
// Tokens that match nothing, or sessions that already authenticated, are
// ignored.
func (t *Table) UnreliableConnect(addr string, id message.AuthentID) bool {
	s, has := t.sessions[id]
	if !has || s.client != nil {
		return false
	}
	if other, taken := t.byAddr[addr]; taken && other != s {
		return false
	}

	if s.unreliableAddr != "" && s.unreliableAddr != addr {
		delete(t.byAddr, s.unreliableAddr)
	}
	s.unreliableAddr = addr
	t.byAddr[addr] = s
	return true
}

// Outcome of an authentication attempt. Exactly one of Client and Refused
// is set.
type Outcome struct {
	Client  *Client
	Refused string
}

// Authenticate checks a Connect request. Errors mean the request arrived on
// a connection that cannot authenticate at all and should be ignored.
// Refusals are part of Outcome and should be reported to the client.
func (t *Table) Authenticate(conn transport.ConnID, name, version string, now time.Time) (Outcome, error) {
	s, has := t.byConn[conn]
	if !has {
		return Outcome{}, &MissingConnectionError{Conn: conn}
	}
	if s.client != nil {
		return Outcome{}, &AlreadyAuthenticatedError{Conn: conn}
	}
	if s.unreliableAddr == "" {
		return Outcome{}, &NotReadyError{Conn: conn}
	}

	if version != t.version {
		return Outcome{Refused: ReasonVersionMismatch}, nil
	}
	if _, taken := t.names[name]; taken {
		return Outcome{Refused: ReasonNameInUse}, nil
	}
	if len(t.byUser) >= t.maxClients {
		return Outcome{Refused: ReasonServerFull}, nil
	}

	c := &Client{
		AuthentID:         s.authentID,
		ID:                t.nextUserID,
		Name:              name,
		Conn:              conn,
		UnreliableAddr:    s.unreliableAddr,
		State:             GameState_Downloading,
		AuthenticatedTime: now,
	}
	t.nextUserID++
	t.names[name] = struct{}{}
	t.byUser[c.ID] = c
	s.client = c
	t.nPending--

	return Outcome{Client: c}, nil
}

// Disconnect forgets conn. If it belonged to an authenticated client, that
// client is returned so the caller can tear down its other state.
func (t *Table) Disconnect(conn transport.ConnID) (*Client, bool) {
	s, has := t.byConn[conn]
	if !has {
		return nil, false
	}

	delete(t.byConn, conn)
	delete(t.sessions, s.authentID)
	if s.unreliableAddr != "" && t.byAddr[s.unreliableAddr] == s {
		delete(t.byAddr, s.unreliableAddr)
	}

	if s.client == nil {
		t.nPending--
		return nil, false
	}

	delete(t.names, s.client.Name)
	delete(t.byUser, s.client.ID)
	return s.client, true
}

func (t *Table) ByConn(conn transport.ConnID) (*Client, bool) {
	s, has := t.byConn[conn]
	if !has || s.client == nil {
		return nil, false
	}
	return s.client, true
}

func (t *Table) ByAddr(addr string) (*Client, bool) {
	s, has := t.byAddr[addr]
	if !has || s.client == nil {
		return nil, false
	}
	return s.client, true
}

func (t *Table) ByUser(id message.UserID) (*Client, bool) {
	c, has := t.byUser[id]
	return c, has
}

// IsKnownAddr reports whether addr is bound to any session, authenticated
// or not.
func (t *Table) IsKnownAddr(addr string) bool {
	_, has := t.byAddr[addr]
	return has
}

func (t *Table) HasConn(conn transport.ConnID) bool {
	_, has := t.byConn[conn]
	return has
}

// Clients returns every authenticated client ordered by UserID.
func (t *Table) Clients() []*Client {
	out := make([]*Client, 0, len(t.byUser))
	for _, c := range t.byUser {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Playing returns the clients in GameState_Playing ordered by UserID.
func (t *Table) Playing() []*Client {
	all := t.Clients()
	out := all[:0]
	for _, c := range all {
		if c.State == GameState_Playing {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) Len() int {
	return len(t.byUser)
}

// DecodeError records a malformed reliable packet on conn and returns the
// number of consecutive failures so far.
func (t *Table) DecodeError(conn transport.ConnID) int {
	s, has := t.byConn[conn]
	if !has {
		return 0
	}
	s.decodeErrors++
	return s.decodeErrors
}

func (t *Table) DecodeOK(conn transport.ConnID) {
	if s, has := t.byConn[conn]; has {
		s.decodeErrors = 0
	}
}

// ExpiredPending lists connections that have been waiting to authenticate
// since before deadline, oldest first.
func (t *Table) ExpiredPending(deadline time.Time) []transport.ConnID {
	var expired []*session
	for _, s := range t.byConn {
		if s.client == nil && s.createdTime.Before(deadline) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].createdTime.Equal(expired[j].createdTime) {
			return expired[i].conn < expired[j].conn
		}
		return expired[i].createdTime.Before(expired[j].createdTime)
	})

	out := make([]transport.ConnID, len(expired))
	for i, s := range expired {
		out[i] = s.conn
	}
	return out
}

// ExpiredJoiners lists authenticated clients that are not playing yet and
// authenticated before deadline, in UserID order.
func (t *Table) ExpiredJoiners(deadline time.Time) []transport.ConnID {
	var out []transport.ConnID
	for _, c := range t.Clients() {
		if c.State != GameState_Playing && c.AuthenticatedTime.Before(deadline) {
			out = append(out, c.Conn)
		}
	}
	return out
}
