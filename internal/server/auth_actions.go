package server

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/gin-gonic/gin"
)

const (
	ActionLogin          = "LOGIN"
	ActionSignup         = "SIGNUP"
	ActionCrewLogin      = "CREW_LOGIN"
	ActionUpdatePassword = "UPDATE_PASSWORD"
	ActionSubmitTrial    = "SUBMIT_TRIAL"
)

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Pin      string `json:"pin"`
}

type updatePasswordPayload struct {
	Username        string `json:"username"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type authAction func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error)

var authActions = map[string]authAction{
	ActionLogin: func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error) {
		var request loginPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return service.Login(ctx, request.Username, request.Password)
	},
	ActionSignup: func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error) {
		var request accounts.SignupRequest
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return service.Signup(ctx, request)
	},
	ActionCrewLogin: func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error) {
		var request loginPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return service.CrewLogin(ctx, request.Username, request.Pin)
	},
	ActionUpdatePassword: func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error) {
		var request updatePasswordPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		if err := service.UpdatePassword(ctx, request.Username, request.CurrentPassword, request.NewPassword); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	},
	ActionSubmitTrial: func(ctx context.Context, service AccountService, payload json.RawMessage) (interface{}, error) {
		var request accounts.TrialSubmission
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		if err := service.SubmitTrial(ctx, request); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	},
}

func (h *httpHandler) handleAuth(c *gin.Context) {
	action, payload, err := decodeEnvelope(c)
	if err != nil {
		h.respondError(c, "", err)
		return
	}
	run, ok := authActions[action]
	if !ok {
		h.respondError(c, "", errUnknownAction)
		return
	}
	c.Set(actionContextKey, action)

	result, err := run(c.Request.Context(), h.accounts, payload)
	if err != nil {
		h.respondError(c, action, err)
		return
	}
	respondSuccess(c, result)
}
