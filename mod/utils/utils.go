package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

/*
	Common http helpers shared by the API handlers
*/

// SendJSONResponse writes a JSON payload. A string payload is assumed to be
// pre-encoded JSON and written as is.
func SendJSONResponse(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if s, ok := payload.(string); ok {
		w.Write([]byte(s))
		return
	}
	js, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Write(js)
}

// SendErrorResponse writes {"error": message}
func SendErrorResponse(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	js, _ := json.Marshal(map[string]string{"error": errMsg})
	w.Write(js)
}

// SendOK writes the literal "OK" JSON string
func SendOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("\"OK\""))
}

// GetPara reads a non-empty query parameter
func GetPara(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return "", errors.New("invalid " + key + " given")
	}
	return value, nil
}

// PostPara reads a non-empty form value from a POST body
func PostPara(r *http.Request, key string) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	value := strings.TrimSpace(r.PostForm.Get(key))
	if value == "" {
		return "", errors.New("invalid " + key + " given")
	}
	return value, nil
}
