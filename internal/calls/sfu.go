package calls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrSFUUnavailable = errors.New("media server unavailable")

const DefaultTokenTTL = 10 * time.Minute

// SFU allocates media rooms and join tokens.
type SFU interface {
	CreateRoom(ctx context.Context) (string, error)
	IssueToken(ctx context.Context, roomID, userID string) (string, error)
}

// VideoGrant is the room permission embedded in a media token.
type VideoGrant struct {
	Room     string `json:"room"`
	RoomJoin bool   `json:"roomJoin"`
}

// MediaClaims are the claims of a media join token.
type MediaClaims struct {
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

// HTTPSFU talks to a media server over HTTPS and signs join tokens locally.
// With an empty base URL rooms are named locally and only tokens are issued.
type HTTPSFU struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	tokenTTL  time.Duration
	client    *http.Client
	now       func() time.Time
}

func NewHTTPSFU(baseURL, apiKey, apiSecret string, tokenTTL time.Duration, client *http.Client) *HTTPSFU {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSFU{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		tokenTTL:  tokenTTL,
		client:    client,
		now:       time.Now,
	}
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

func (s *HTTPSFU) CreateRoom(ctx context.Context) (string, error) {
	name := uuid.NewString()
	if s.baseURL == "" {
		return name, nil
	}

	body, err := json.Marshal(createRoomRequest{Name: name})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSFUUnavailable, err)
	}
	adminToken, err := s.sign(MediaClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "room-admin"}})
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrSFUUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: create room returned %d", ErrSFUUnavailable, resp.StatusCode)
	}
	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode room: %v", ErrSFUUnavailable, err)
	}
	switch {
	case out.RoomID != "":
		return out.RoomID, nil
	case out.Name != "":
		return out.Name, nil
	default:
		return name, nil
	}
}

func (s *HTTPSFU) IssueToken(ctx context.Context, roomID, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.sign(MediaClaims{
		Video:            VideoGrant{Room: roomID, RoomJoin: true},
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	})
}

func (s *HTTPSFU) sign(claims MediaClaims) (string, error) {
	if len(s.apiSecret) == 0 {
		return "", fmt.Errorf("%w: missing api secret", ErrSFUUnavailable)
	}
	now := s.now()
	claims.Issuer = s.apiKey
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.tokenTTL))
	claims.ID = uuid.NewString()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.apiSecret)
}
