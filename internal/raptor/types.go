package raptor

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// User is the profile of an authenticated identity.
type User struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Roles    Roles  `json:"roles"`
}

func (u *User) UnmarshalJSON(b []byte) error {
	var v struct {
		UUID     string `json:"uuid"`
		ID       string `json:"id"`
		Username string `json:"username"`
		Roles    Roles  `json:"roles"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	u.UUID, u.Username, u.Roles = v.UUID, v.Username, v.Roles
	if u.UUID == "" {
		u.UUID = v.ID
	}
	return nil
}

// Roles accepts role names either as strings or as {"name": ...} objects.
type Roles []string

func (r *Roles) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := make(Roles, 0, len(raw))
	for _, e := range raw {
		var name string
		if err := json.Unmarshal(e, &name); err == nil {
			out = append(out, name)
			continue
		}

		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(e, &obj); err != nil {
			return err
		}
		out = append(out, obj.Name)
	}

	*r = out
	return nil
}

// Token is a long-lived API token. Expires is a unix timestamp in seconds,
// 0 means it never expires.
type Token struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Token   string `json:"token,omitempty"`
	Secret  string `json:"secret,omitempty"`
	Expires int64  `json:"expires"`
	Enabled bool   `json:"enabled"`
}

// Check asks whether UserID holds Permission on SubjectID of kind Type.
type Check struct {
	UserID     string `json:"userId"`
	Type       string `json:"type"`
	SubjectID  string `json:"subjectId"`
	Permission string `json:"permission"`
}

// StatusError is returned for non 2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "raptor: " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
	}
	return "raptor: " + strconv.Itoa(e.Code) + " " + e.Message
}

func newStatusError(res *http.Response) error {
	e := StatusError{Code: res.StatusCode}

	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var msg struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &msg) == nil {
		e.Message = msg.Message
		if e.Message == "" {
			e.Message = msg.Error
		}
	} else {
		e.Message = strings.TrimSpace(string(b))
	}

	return &e
}
