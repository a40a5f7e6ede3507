package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes Value as JSON.
//
// Content-Type is always "application/json". The value is encoded before the
// status is written, so encoding failures surface as a 500 error body instead
// of a truncated response.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	data, err := json.Marshal(jr.Value)
	if err != nil {
		WriteError(w, err)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err = w.Write(append(data, '\n'))
	return err
}
