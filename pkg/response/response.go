package response

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope every REST endpoint answers with.
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func SendAPIResponse(c *gin.Context, code int, success bool, message string, data any) {
	resp := APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	c.JSON(code, resp)
}

// ErrUnsuccessful is wrapped by Decode when the envelope reports failure.
var ErrUnsuccessful = errors.New("request unsuccessful")

// Decode parses an envelope and unmarshals its data into v (which may be nil).
// The returned message is the server's human readable status.
func Decode(body []byte, v any) (string, error) {
	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", err
	}
	if !env.Success {
		return env.Message, ErrUnsuccessful
	}
	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return env.Message, err
		}
	}
	return env.Message, nil
}
