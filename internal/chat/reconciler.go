// Package chat keeps one consistent, ordered view of a chat group by merging
// optimistic local sends with what the backend broadcasts.
package chat

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reliefnet/fieldagent/internal/events"
	"github.com/reliefnet/fieldagent/internal/media"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("chat: message is empty")
	ErrClosed         = errors.New("chat: reconciler closed")
	ErrUnknownMessage = errors.New("chat: unknown message")
	ErrNotOwner       = errors.New("chat: message belongs to another sender")
)

const DefaultTypingTTL = 3 * time.Second

// Channel is the event channel the reconciler rides on.
type Channel interface {
	Emit(ev events.Outbound) error
	Subscribe(fn func(events.Inbound)) (unsubscribe func())
	// OnConnect runs fn after every later connect and reports whether the
	// channel is connected right now.
	OnConnect(fn func()) (unsubscribe func(), connected bool)
}

type Options struct {
	TypingTTL    time.Duration
	MaxMediaEdge int
	Now          func() time.Time
	Logger       *zap.SugaredLogger
	// OnChange runs after every change to the view, outside the lock.
	OnChange func(Snapshot)
}

// Snapshot is a copy of the reconciled view.
type Snapshot struct {
	GroupID  string            `json:"groupId"`
	Messages []models.Message  `json:"messages"`
	Typing   []string          `json:"typing"`
	Presence map[string]string `json:"presence"`
}

type Reconciler struct {
	ch      Channel
	me      string
	group   string
	ttl     time.Duration
	maxEdge int
	now     func() time.Time
	logger  *zap.SugaredLogger
	notify  func(Snapshot)

	unsubscribe []func()

	mu        sync.Mutex
	closed    bool
	messages  []models.Message
	typing    map[string]time.Time
	timers    map[string]*time.Timer
	presence  map[string]string
	requested map[string]bool
	lastTemp  int64
}

// Join subscribes to the channel and announces the viewer in groupID. The
// join is repeated after every reconnect; the backend answers each with a
// fresh chat_history. Close must be called when leaving the group.
func Join(ch Channel, sess session.Session, groupID string, opts Options) (*Reconciler, error) {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	r := &Reconciler{
		ch:        ch,
		me:        sess.Email,
		group:     groupID,
		ttl:       opts.TypingTTL,
		maxEdge:   opts.MaxMediaEdge,
		now:       opts.Now,
		logger:    opts.Logger.With("group_id", groupID),
		notify:    opts.OnChange,
		messages:  []models.Message{},
		typing:    make(map[string]time.Time),
		timers:    make(map[string]*time.Timer),
		presence:  make(map[string]string),
		requested: make(map[string]bool),
	}

	join := events.Join{GroupID: groupID, Username: sess.Email}
	offConnect, connected := ch.OnConnect(func() {
		if err := ch.Emit(join); err != nil {
			r.logger.Warnw("Failed to rejoin group", "error", err)
		}
	})
	r.unsubscribe = append(r.unsubscribe, ch.Subscribe(r.Apply), offConnect)
	if !connected {
		r.logger.Infow("Join deferred until the event channel connects", "user", sess.Email)
		return r, nil
	}
	if err := ch.Emit(join); err != nil {
		for _, fn := range r.unsubscribe {
			fn()
		}
		return nil, err
	}
	r.logger.Infow("Joined chat group", "user", sess.Email)
	return r, nil
}

func (r *Reconciler) GroupID() string {
	return r.group
}

// Close announces the leave, unsubscribes and drops the cached view.
// Calling Close more than once is harmless.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, t := range r.timers {
		t.Stop()
	}
	r.messages = nil
	r.typing = map[string]time.Time{}
	r.timers = map[string]*time.Timer{}
	r.presence = map[string]string{}
	r.mu.Unlock()

	for _, fn := range r.unsubscribe {
		fn()
	}
	r.logger.Infow("Left chat group")
	return r.ch.Emit(events.Leave{GroupID: r.group, Username: r.me})
}

// Apply folds one inbound event into the view. Events tagged for other
// groups are ignored; untagged events are taken as this group's, so a channel
// must carry at most one joined group. Redelivered events leave the view
// unchanged.
func (r *Reconciler) Apply(ev events.Inbound) {
	if g := ev.Group(); g != "" && g != r.group {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	changed := true
	switch e := ev.(type) {
	case events.ChatHistory:
		r.messages = make([]models.Message, 0, len(e.Messages))
		for _, m := range e.Messages {
			r.messages = append(r.messages, normalize(m))
		}
	case events.MessageEvent:
		r.upsert(normalize(e.Message))
	case events.MessageEdited:
		changed = r.edit(e.MessageID, e.NewText)
	case events.MessageDeleted:
		changed = r.tombstone(e.MessageID)
	case events.MessageReadUpdate:
		changed = r.markRead(e.ReaderEmail, e.MessageIDs)
	case events.DeliveryUpdate:
		changed = r.markDelivered(e.DeliveredTo)
	case events.Typing:
		changed = r.startTyping(e.SenderEmail)
	case events.TypingStop:
		changed = r.stopTyping(e.SenderEmail)
	case events.PresenceUpdate:
		if e.Username == "" || r.presence[e.Username] == e.Status {
			changed = false
		} else {
			r.presence[e.Username] = e.Status
		}
	default:
		changed = false
	}

	var receipt *events.MessageRead
	if changed {
		receipt = r.pendingReceipt()
	}
	r.mu.Unlock()

	if receipt != nil {
		if err := r.ch.Emit(*receipt); err != nil {
			r.logger.Warnw("Failed to send read receipt", "count", len(receipt.MessageIDs), "error", err)
			r.mu.Lock()
			for _, id := range receipt.MessageIDs {
				delete(r.requested, id)
			}
			r.mu.Unlock()
		}
	}
	if changed {
		r.changed()
	}
}

// upsert matches by tempId first, then by id; a match is replaced in place,
// anything else is appended.
func (r *Reconciler) upsert(m models.Message) {
	idx := -1
	if m.TempID != "" {
		idx = r.indexBy(func(x models.Message) bool { return x.TempID == m.TempID })
	}
	if idx < 0 && m.ID != "" {
		idx = r.indexBy(func(x models.Message) bool { return x.ID == m.ID })
	}
	if idx < 0 {
		r.messages = append(r.messages, m)
		return
	}
	if r.messages[idx].Deleted {
		m = tombstoned(m)
	}
	r.messages[idx] = m
}

func (r *Reconciler) indexBy(match func(models.Message) bool) int {
	for i, m := range r.messages {
		if match(m) {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return r.indexBy(func(m models.Message) bool { return m.ID == id })
}

func (r *Reconciler) edit(id, text string) bool {
	i := r.indexOf(id)
	if i < 0 || r.messages[i].Deleted {
		return false
	}
	if r.messages[i].Body == text && r.messages[i].Edited {
		return false
	}
	r.messages[i].Body = text
	r.messages[i].Edited = true
	return true
}

func (r *Reconciler) tombstone(id string) bool {
	i := r.indexOf(id)
	if i < 0 || r.messages[i].Deleted {
		return false
	}
	r.messages[i] = tombstoned(r.messages[i])
	return true
}

func (r *Reconciler) markRead(reader string, ids []string) bool {
	if reader == "" {
		return false
	}
	changed := false
	for _, id := range ids {
		i := r.indexOf(id)
		if i < 0 || r.messages[i].ReadByUser(reader) {
			continue
		}
		r.messages[i].ReadBy = append(r.messages[i].ReadBy, reader)
		r.messages[i].Status = models.MessageRead
		changed = true
	}
	return changed
}

// markDelivered records that user received every confirmed message.
func (r *Reconciler) markDelivered(user string) bool {
	if user == "" {
		return false
	}
	changed := false
	for i := range r.messages {
		m := &r.messages[i]
		if m.ID == "" || contains(m.DeliveredTo, user) {
			continue
		}
		m.DeliveredTo = append(m.DeliveredTo, user)
		if m.Status == models.MessageSent && user != m.SenderEmail {
			m.Status = models.MessageDelivered
		}
		changed = true
	}
	return changed
}

func (r *Reconciler) startTyping(sender string) bool {
	if sender == "" || sender == r.me {
		return false
	}
	_, already := r.typing[sender]
	expiry := r.now().Add(r.ttl)
	r.typing[sender] = expiry

	if t, ok := r.timers[sender]; ok {
		t.Stop()
	}
	r.timers[sender] = time.AfterFunc(r.ttl, func() { r.expireTyping(sender, expiry) })
	return !already
}

func (r *Reconciler) stopTyping(sender string) bool {
	if _, ok := r.typing[sender]; !ok {
		return false
	}
	delete(r.typing, sender)
	if t, ok := r.timers[sender]; ok {
		t.Stop()
		delete(r.timers, sender)
	}
	return true
}

// expireTyping drops sender unless a newer signal moved its expiry.
func (r *Reconciler) expireTyping(sender string, expiry time.Time) {
	r.mu.Lock()
	if r.closed || !r.typing[sender].Equal(expiry) {
		r.mu.Unlock()
		return
	}
	delete(r.typing, sender)
	delete(r.timers, sender)
	r.mu.Unlock()
	r.changed()
}

// pendingReceipt collects every confirmed message from someone else that the
// viewer has not read and that was not requested before.
func (r *Reconciler) pendingReceipt() *events.MessageRead {
	var ids []string
	for _, m := range r.messages {
		if m.ID == "" || m.SenderEmail == r.me || r.requested[m.ID] || m.ReadByUser(r.me) {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		r.requested[id] = true
	}
	return &events.MessageRead{GroupID: r.group, ReaderEmail: r.me, MessageIDs: ids}
}

// Send shows the message immediately with status sending and queues it on
// the channel. The returned tempId identifies the entry until the server
// echo replaces it.
func (r *Reconciler) Send(text string, m *models.Media, loc *models.Location) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && m == nil && loc == nil {
		return "", ErrEmptyMessage
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	tempID := r.nextTempID()
	optimistic := models.Message{
		TempID:      tempID,
		SenderEmail: r.me,
		Body:        text,
		Location:    loc,
		SentAt:      models.Timestamp{Time: r.now().UTC()},
		ReadBy:      []string{r.me},
		Status:      models.MessageSending,
	}
	if m != nil {
		media.Detect(m)
		optimistic.MediaType = media.Kind(m.MIMEType)
	}
	r.messages = append(r.messages, optimistic)
	r.mu.Unlock()
	r.changed()

	out := events.SendMessage{
		GroupID:     r.group,
		SenderEmail: r.me,
		Message:     text,
		MediaType:   optimistic.MediaType,
		Location:    loc,
		TempID:      tempID,
	}
	if m != nil {
		url, err := r.encodeMedia(m)
		if err != nil {
			r.dropOptimistic(tempID)
			return "", err
		}
		out.MediaURL = url
	}

	if err := r.ch.Emit(out); err != nil {
		r.logger.Warnw("Message left in sending state", "temp_id", tempID, "error", err)
	}
	return tempID, nil
}

func (r *Reconciler) encodeMedia(m *models.Media) (string, error) {
	if r.maxEdge > 0 {
		shrunk, err := media.Shrink(m, r.maxEdge)
		if err != nil {
			return "", err
		}
		m = shrunk
	}
	return media.DataURL(m)
}

func (r *Reconciler) dropOptimistic(tempID string) {
	r.mu.Lock()
	if i := r.indexBy(func(x models.Message) bool { return x.TempID == tempID && x.ID == "" }); i >= 0 {
		r.messages = append(r.messages[:i], r.messages[i+1:]...)
	}
	r.mu.Unlock()
	r.changed()
}

// nextTempID is the current millisecond time, bumped to stay unique.
func (r *Reconciler) nextTempID() string {
	id := r.now().UnixMilli()
	if id <= r.lastTemp {
		id = r.lastTemp + 1
	}
	r.lastTemp = id
	return strconv.FormatInt(id, 10)
}

// Edit asks the backend to replace the text of one of the viewer's messages.
// The view changes when the message_edited broadcast comes back.
func (r *Reconciler) Edit(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := r.checkOwn(id); err != nil {
		return err
	}
	return r.ch.Emit(events.EditMessage{GroupID: r.group, MessageID: id, NewText: text})
}

// Delete asks the backend to tombstone one of the viewer's messages.
func (r *Reconciler) Delete(id string) error {
	if err := r.checkOwn(id); err != nil {
		return err
	}
	return r.ch.Emit(events.DeleteMessage{GroupID: r.group, MessageID: id})
}

// Typing tells the group that the viewer is typing.
func (r *Reconciler) Typing() error {
	return r.ch.Emit(events.Typing{GroupID: r.group, SenderEmail: r.me})
}

func (r *Reconciler) checkOwn(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	i := r.indexOf(id)
	if i < 0 || r.messages[i].Deleted {
		return ErrUnknownMessage
	}
	if r.messages[i].SenderEmail != r.me {
		return ErrNotOwner
	}
	return nil
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Reconciler) snapshot() Snapshot {
	s := Snapshot{
		GroupID:  r.group,
		Messages: make([]models.Message, len(r.messages)),
		Typing:   []string{},
		Presence: make(map[string]string, len(r.presence)),
	}
	for i, m := range r.messages {
		s.Messages[i] = copyMessage(m)
	}
	now := r.now()
	for sender, expiry := range r.typing {
		if now.Before(expiry) {
			s.Typing = append(s.Typing, sender)
		}
	}
	sort.Strings(s.Typing)
	for k, v := range r.presence {
		s.Presence[k] = v
	}
	return s
}

func (r *Reconciler) changed() {
	if r.notify == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s := r.snapshot()
	r.mu.Unlock()
	r.notify(s)
}

func normalize(m models.Message) models.Message {
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	if m.Status == "" {
		m.Status = models.MessageSent
	}
	if m.Deleted {
		m = tombstoned(m)
	}
	return m
}

func tombstoned(m models.Message) models.Message {
	m.Deleted = true
	m.Body = ""
	m.MediaURL = ""
	m.MediaType = ""
	m.Location = nil
	return m
}

func copyMessage(m models.Message) models.Message {
	m.ReadBy = append([]string{}, m.ReadBy...)
	if m.DeliveredTo != nil {
		m.DeliveredTo = append([]string{}, m.DeliveredTo...)
	}
	if m.Location != nil {
		loc := *m.Location
		m.Location = &loc
	}
	return m
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
