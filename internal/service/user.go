package service

import (
	"context"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
)

type deviceInfo struct {
	ClientVersion string `json:"clientVersion"`
	SysSoftware   string `json:"sysSoftware"`
	Network       string `json:"network"`
	DeviceID      string `json:"deviceId"`
}

type loginRequest struct {
	DeviceInfo deviceInfo `json:"deviceInfo"`
	SceneID    string     `json:"sceneId"`
}

// LoginReply is the account profile returned on session login.
type LoginReply struct {
	GID   int64  `json:"gid"`
	Name  string `json:"name"`
	Level int    `json:"level"`
	Gold  int    `json:"gold"`
	Exp   int    `json:"exp"`
}

type heartbeatRequest struct {
	GID           int64  `json:"gid"`
	ClientVersion string `json:"clientVersion"`
}

type UserService struct {
	caller        Caller
	clientVersion string
}

func NewUserService(caller Caller, clientVersion string) *UserService {
	return &UserService{caller: caller, clientVersion: clientVersion}
}

// Login establishes the game session. A gateway rejection here means the
// stored login code is stale, which must not be retried by the supervisor.
func (s *UserService) Login(ctx context.Context) (*LoginReply, error) {
	reply, err := callJSON[loginRequest, LoginReply](ctx, s.caller, userService, "Login", loginRequest{
		DeviceInfo: deviceInfo{
			ClientVersion: s.clientVersion,
			SysSoftware:   "iOS 26.2.1",
			Network:       "wifi",
			DeviceID:      "iPhone X<iPhone18,3>",
		},
		SceneID: "1256",
	})
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeCallFailed {
			return nil, apperrors.AuthFailed("login rejected by gateway").WithCause(err)
		}
		return nil, err
	}
	return &reply, nil
}

func (s *UserService) Heartbeat(ctx context.Context, gid int64) error {
	_, err := callJSON[heartbeatRequest, struct{}](ctx, s.caller, userService, "Heartbeat",
		heartbeatRequest{GID: gid, ClientVersion: s.clientVersion})
	return err
}
