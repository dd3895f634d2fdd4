package api

import (
	"net/http"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// ActivityHandlers serves the append-only action trail
type ActivityHandlers struct {
	activity *store.ActivityStore
}

// NewActivityHandlers creates new activity handlers
func NewActivityHandlers(activity *store.ActivityStore) *ActivityHandlers {
	return &ActivityHandlers{activity: activity}
}

// HandleListActivity lists the caller's activity, newest first. Admins may
// inspect another tenant or narrow onto a single user.
func (h *ActivityHandlers) HandleListActivity(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	q := r.URL.Query()

	tenantID := actor.TenantID
	if actor.IsAdmin() && q.Get("tenantId") != "" {
		tenantID = q.Get("tenantId")
	}

	entries, err := h.activity.List(r.Context(), tenantID, q.Get("userId"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.ActivityEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"activity": entries,
		"count":    len(entries),
	})
}
