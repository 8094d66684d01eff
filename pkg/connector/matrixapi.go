// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrForbidden marks a Matrix request rejected because the acting user lacks
// permission, usually because the ghost has not joined the room yet.
var ErrForbidden = errors.New("forbidden")

// MatrixAPI is the subset of the Matrix client-server API used by the bridge.
// Calls that take a user ID are made as that user through appservice
// impersonation; an empty user ID acts as the appservice bot.
type MatrixAPI interface {
	// Register creates the ghost account with the given localpart. An
	// already registered account is not an error.
	Register(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	// SetAvatarURL sets the avatar of userID. An empty URI clears it.
	SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error
	JoinRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	CreateRoom(ctx context.Context, aliasLocalpart string) (id.RoomID, error)
	// SendMessage sends an m.room.message event. Errors caused by missing
	// permissions wrap ErrForbidden.
	SendMessage(ctx context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error)
	// GetDisplayName returns the global display name of userID, or an empty
	// string if the user has none.
	GetDisplayName(ctx context.Context, userID id.UserID) (string, error)
	Download(ctx context.Context, uri id.ContentURI) ([]byte, error)
	Upload(ctx context.Context, userID id.UserID, data []byte, mimeType, fileName string) (id.ContentURI, error)
	// PublicDownloadURL returns an unauthenticated web link to the media.
	PublicDownloadURL(uri id.ContentURI) string
}

// mautrixAPI implements MatrixAPI with mautrix clients authenticated by the
// appservice token.
type mautrixAPI struct {
	homeserver    string
	publicAddress string
	asToken       string
	maxMediaSize  int64
	httpClient    *http.Client
	log           zerolog.Logger
}

var _ MatrixAPI = (*mautrixAPI)(nil)

// NewMatrixAPI creates a MatrixAPI talking to the homeserver at address.
// Downloads larger than maxMediaSize bytes fail with ErrMediaTooLarge.
func NewMatrixAPI(cfg HomeserverConfig, asToken string, maxMediaSize int64, log zerolog.Logger) MatrixAPI {
	return &mautrixAPI{
		homeserver:    cfg.Address,
		publicAddress: cfg.PublicAddress,
		asToken:       asToken,
		maxMediaSize:  maxMediaSize,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		log:           log.With().Str("component", "matrix_api").Logger(),
	}
}

// client returns a mautrix client acting as userID.
func (m *mautrixAPI) client(userID id.UserID) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(m.homeserver, userID, m.asToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.Client = m.httpClient
	cli.Log = m.log
	cli.SetAppServiceUserID = userID != ""
	return cli, nil
}

func (m *mautrixAPI) Register(ctx context.Context, localpart string) error {
	cli, err := m.client("")
	if err != nil {
		return err
	}
	_, _, err = cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", localpart, err)
	}
	return nil
}

func (m *mautrixAPI) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	cli, err := m.client(userID)
	if err != nil {
		return err
	}
	if err = cli.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("failed to set displayname of %s: %w", userID, err)
	}
	return nil
}

func (m *mautrixAPI) SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error {
	cli, err := m.client(userID)
	if err != nil {
		return err
	}
	if err = cli.SetAvatarURL(ctx, uri); err != nil {
		return fmt.Errorf("failed to set avatar of %s: %w", userID, err)
	}
	return nil
}

func (m *mautrixAPI) JoinRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	cli, err := m.client(userID)
	if err != nil {
		return err
	}
	if _, err = cli.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (m *mautrixAPI) CreateRoom(ctx context.Context, aliasLocalpart string) (id.RoomID, error) {
	cli, err := m.client("")
	if err != nil {
		return "", err
	}
	resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{RoomAliasName: aliasLocalpart})
	if err != nil {
		return "", fmt.Errorf("failed to create room for %s: %w", aliasLocalpart, err)
	}
	return resp.RoomID, nil
}

func (m *mautrixAPI) SendMessage(ctx context.Context, userID id.UserID, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error) {
	cli, err := m.client(userID)
	if err != nil {
		return "", err
	}
	resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
	if errors.Is(err, mautrix.MForbidden) {
		return "", fmt.Errorf("failed to send message to %s: %w: %w", roomID, ErrForbidden, err)
	} else if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (m *mautrixAPI) GetDisplayName(ctx context.Context, userID id.UserID) (string, error) {
	cli, err := m.client("")
	if err != nil {
		return "", err
	}
	resp, err := cli.GetDisplayName(ctx, userID)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get displayname of %s: %w", userID, err)
	}
	return resp.DisplayName, nil
}

func (m *mautrixAPI) Download(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	cli, err := m.client("")
	if err != nil {
		return nil, err
	}
	resp, err := cli.Download(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if m.maxMediaSize > 0 && resp.ContentLength > m.maxMediaSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrMediaTooLarge, uri, resp.ContentLength)
	}
	return readLimited(resp.Body, m.maxMediaSize)
}

func (m *mautrixAPI) Upload(ctx context.Context, userID id.UserID, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	cli, err := m.client(userID)
	if err != nil {
		return id.ContentURI{}, err
	}
	resp, err := cli.UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI, nil
}

func (m *mautrixAPI) PublicDownloadURL(uri id.ContentURI) string {
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		m.publicAddress, uri.Homeserver, url.PathEscape(uri.FileID))
}
