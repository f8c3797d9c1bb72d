package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/store"
)

// ExampleProgressHandler_ListRuns shows how to serve the /v1/runs endpoint.
func ExampleProgressHandler_ListRuns() {
	runID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	repo := &mockRunRepo{
		runs: []store.Run{{
			ID:        runID,
			Status:    store.RunCompleted,
			StartedAt: time.Unix(0, 0),
			Total:     3,
			Completed: 3,
			Invalid:   1,
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []runDTO `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, invalid in first: %d\n", len(payload.Runs), payload.Runs[0].Invalid)
	// Output:
	// returned runs: 1, invalid in first: 1
}
