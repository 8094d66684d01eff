// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
)

const (
	testDomain  = "example.com"
	testRoom    = id.RoomID("!room:example.com")
	testGroup   = int64(-100123)
	testBotID   = int64(999)
	testHSToken = "hs-secret"
)

// fakeStore is an in-memory LinkStore.
type fakeStore struct {
	mu          sync.Mutex
	links       map[int64]*database.ChatLink
	matrixUsers map[id.UserID]*database.MatrixUser
	tgUsers     map[int64]*database.TgUser
	messages    []*database.Message
	writes      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		links:       make(map[int64]*database.ChatLink),
		matrixUsers: make(map[id.UserID]*database.MatrixUser),
		tgUsers:     make(map[int64]*database.TgUser),
	}
}

func (s *fakeStore) GetLinkByRoom(_ context.Context, roomID id.RoomID) (*database.ChatLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links {
		if link.RoomID == roomID {
			cp := *link
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetLinkByGroup(_ context.Context, groupID int64) (*database.ChatLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[groupID]; ok {
		cp := *link
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) PutLink(_ context.Context, link *database.ChatLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *link
	s.links[link.TelegramGroupID] = &cp
	return nil
}

func (s *fakeStore) ReplaceRoomLinks(_ context.Context, roomID id.RoomID, link *database.ChatLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for groupID, existing := range s.links {
		if existing.RoomID == roomID {
			delete(s.links, groupID)
		}
	}
	if link != nil {
		cp := *link
		s.links[link.TelegramGroupID] = &cp
	}
	return nil
}

func (s *fakeStore) GetMatrixUser(_ context.Context, userID id.UserID) (*database.MatrixUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mu, ok := s.matrixUsers[userID]; ok {
		cp := *mu
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) PutMatrixUser(_ context.Context, mu *database.MatrixUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *mu
	s.matrixUsers[mu.UserID] = &cp
	return nil
}

func (s *fakeStore) GetTgUser(_ context.Context, telegramID int64) (*database.TgUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tu, ok := s.tgUsers[telegramID]; ok {
		cp := *tu
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) PutTgUser(_ context.Context, tu *database.TgUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *tu
	s.tgUsers[tu.TelegramUserID] = &cp
	return nil
}

func (s *fakeStore) GetMessageByTelegram(_ context.Context, groupID int64, messageID int) (*database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.TelegramGroupID == groupID && m.TelegramMessageID == messageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetMessageByMatrix(_ context.Context, roomID id.RoomID, eventID id.EventID) (*database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.RoomID == roomID && m.EventID == eventID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) PutMessage(_ context.Context, m *database.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *fakeStore) Messages() []*database.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*database.Message(nil), s.messages...)
}

func (s *fakeStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// matrixCall records one call made to fakeMatrix.
type matrixCall struct {
	Method  string
	UserID  id.UserID
	RoomID  id.RoomID
	Arg     string
	TxnID   string
	Content *event.MessageEventContent
}

// fakeMatrix is a recording MatrixAPI. Users in NotJoined get ErrForbidden
// when sending until they join the room.
type fakeMatrix struct {
	mu    sync.Mutex
	calls []matrixCall

	DisplayNames map[id.UserID]string
	NotJoined    map[id.UserID]bool
	// Muted users get ErrForbidden on every send, even after joining.
	Muted map[id.UserID]bool
	Media        map[id.ContentURI][]byte
	// Fail makes the named method return an error.
	Fail map[string]error

	nextEvent int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		DisplayNames: make(map[id.UserID]string),
		NotJoined:    make(map[id.UserID]bool),
		Muted:        make(map[id.UserID]bool),
		Media:        make(map[id.ContentURI][]byte),
		Fail:         make(map[string]error),
	}
}

func (f *fakeMatrix) record(call matrixCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.Fail[call.Method]
}

func (f *fakeMatrix) Calls() []matrixCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]matrixCall(nil), f.calls...)
}

func (f *fakeMatrix) CallsTo(method string) []matrixCall {
	var out []matrixCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMatrix) Register(_ context.Context, localpart string) error {
	return f.record(matrixCall{Method: "Register", Arg: localpart})
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	return f.record(matrixCall{Method: "SetDisplayName", UserID: userID, Arg: name})
}

// SetAvatarURL records an empty Arg when the avatar is cleared.
func (f *fakeMatrix) SetAvatarURL(_ context.Context, userID id.UserID, uri id.ContentURI) error {
	var arg string
	if !uri.IsEmpty() {
		arg = uri.String()
	}
	return f.record(matrixCall{Method: "SetAvatarURL", UserID: userID, Arg: arg})
}

func (f *fakeMatrix) JoinRoom(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	if err := f.record(matrixCall{Method: "JoinRoom", UserID: userID, RoomID: roomID}); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.NotJoined, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMatrix) CreateRoom(_ context.Context, aliasLocalpart string) (id.RoomID, error) {
	if err := f.record(matrixCall{Method: "CreateRoom", Arg: aliasLocalpart}); err != nil {
		return "", err
	}
	return id.RoomID("!created_" + aliasLocalpart + ":" + testDomain), nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error) {
	if err := f.record(matrixCall{Method: "SendMessage", UserID: userID, RoomID: roomID, TxnID: txnID, Content: content}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotJoined[userID] || f.Muted[userID] {
		return "", fmt.Errorf("failed to send message: %w", ErrForbidden)
	}
	f.nextEvent++
	return id.EventID(fmt.Sprintf("$event%d", f.nextEvent)), nil
}

func (f *fakeMatrix) GetDisplayName(_ context.Context, userID id.UserID) (string, error) {
	if err := f.record(matrixCall{Method: "GetDisplayName", UserID: userID}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DisplayNames[userID], nil
}

func (f *fakeMatrix) Download(_ context.Context, uri id.ContentURI) ([]byte, error) {
	if err := f.record(matrixCall{Method: "Download", Arg: uri.String()}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Media[uri]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return data, nil
}

func (f *fakeMatrix) Upload(_ context.Context, userID id.UserID, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	if err := f.record(matrixCall{Method: "Upload", UserID: userID, Arg: mimeType + " " + fileName}); err != nil {
		return id.ContentURI{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := id.ContentURI{Homeserver: testDomain, FileID: fmt.Sprintf("upload%d", len(f.Media)+1)}
	f.Media[uri] = data
	return uri, nil
}

func (f *fakeMatrix) PublicDownloadURL(uri id.ContentURI) string {
	return "https://matrix.example.com/_matrix/media/v3/download/" + uri.Homeserver + "/" + uri.FileID
}

// sentText records one SendText call.
type sentText struct {
	ChatID  int64
	Text    string
	IsHTML  bool
	ReplyTo int
}

// sentPhoto records one SendPhoto call.
type sentPhoto struct {
	ChatID   int64
	Data     []byte
	FileName string
	Caption  string
}

// fakeTelegram is a recording TelegramAPI.
type fakeTelegram struct {
	mu     sync.Mutex
	texts  []sentText
	photos []sentPhoto

	Files         map[string][]byte
	ProfilePhotos map[int64]string
	profileCalls  int
	Fail          map[string]error

	nextMessage int
	updates     chan telego.Update
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{
		Files:         make(map[string][]byte),
		ProfilePhotos: make(map[int64]string),
		Fail:          make(map[string]error),
		nextMessage:   1000,
		updates:       make(chan telego.Update, 16),
	}
}

func (f *fakeTelegram) GetMe(context.Context) (*telego.User, error) {
	return &telego.User{ID: testBotID, IsBot: true, Username: "telematrix_bot"}, nil
}

func (f *fakeTelegram) SendText(_ context.Context, chatID int64, text string, isHTML bool, replyTo int) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{ChatID: chatID, Text: text, IsHTML: isHTML, ReplyTo: replyTo})
	if err := f.Fail["SendText"]; err != nil {
		return nil, err
	}
	f.nextMessage++
	return &telego.Message{MessageID: f.nextMessage, Chat: telego.Chat{ID: chatID}}, nil
}

func (f *fakeTelegram) SendPhoto(_ context.Context, chatID int64, data []byte, fileName, caption string) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{ChatID: chatID, Data: data, FileName: fileName, Caption: caption})
	if err := f.Fail["SendPhoto"]; err != nil {
		return nil, err
	}
	f.nextMessage++
	return &telego.Message{MessageID: f.nextMessage, Chat: telego.Chat{ID: chatID}}, nil
}

func (f *fakeTelegram) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["DownloadFile"]; err != nil {
		return nil, err
	}
	data, ok := f.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

func (f *fakeTelegram) ProfilePhotoFileID(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	if err := f.Fail["ProfilePhotoFileID"]; err != nil {
		return "", err
	}
	return f.ProfilePhotos[userID], nil
}

func (f *fakeTelegram) Updates(context.Context) (<-chan telego.Update, error) {
	return f.updates, nil
}

func (f *fakeTelegram) Texts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeTelegram) Photos() []sentPhoto {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPhoto(nil), f.photos...)
}

// testConfig returns a post-processed config for tests.
func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://hs.local", Domain: testDomain},
		AppService: AppServiceConfig{ASToken: "as-secret", HSToken: testHSToken},
		Telegram:   TelegramConfig{Token: "1:abc"},
		Database:   DatabaseConfig{URI: "file::memory:"},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

type testBridge struct {
	*Bridge
	store    *fakeStore
	matrix   *fakeMatrix
	telegram *fakeTelegram
}

var testNow = time.UnixMilli(1700000000123)

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	store := newFakeStore()
	matrix := newFakeMatrix()
	telegram := newFakeTelegram()
	br := NewBridge(testConfig(t), store, matrix, telegram, nil, NewMetrics(), zerolog.Nop())
	br.botUser, _ = telegram.GetMe(context.Background())
	br.now = func() time.Time { return testNow }
	br.settle = func(context.Context) error { return nil }
	return &testBridge{Bridge: br, store: store, matrix: matrix, telegram: telegram}
}

// link stores a link between testRoom and testGroup.
func (tb *testBridge) link(t *testing.T) {
	t.Helper()
	err := tb.store.PutLink(context.Background(), &database.ChatLink{RoomID: testRoom, TelegramGroupID: testGroup})
	if err != nil {
		t.Fatalf("PutLink: %v", err)
	}
}

// matrixEvent builds an event the way it arrives in a transaction.
func matrixEvent(t *testing.T, evtType string, sender id.UserID, stateKey *string, content any) *event.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("Marshal content: %v", err)
	}
	evt := &event.Event{
		Type:    event.Type{Type: evtType},
		Sender:  sender,
		RoomID:  testRoom,
		ID:      id.EventID("$" + evtType + "_" + string(sender)),
		Content: event.Content{VeryRaw: raw},
	}
	evt.StateKey = stateKey
	return evt
}

func ptr[T any](v T) *T {
	return &v
}

var alice = &telego.User{ID: 42, FirstName: "Alice", LastName: "Liddell"}

// telegramText builds a text message from alice in testGroup.
func telegramText(messageID int, text string) *telego.Message {
	return &telego.Message{
		MessageID: messageID,
		From:      alice,
		Chat:      telego.Chat{ID: testGroup, Type: "supergroup"},
		Text:      text,
	}
}
