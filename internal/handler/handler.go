package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/middleware"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/runtime"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

// Handler is the operator command surface. Every route below Routes()
// assumes the operator allowlist middleware already ran.
type Handler struct {
	manager   *runtime.Manager
	gov       *governor.Governor
	bindings  store.BindingRepository
	whitelist store.WhitelistRepository
}

func New(
	manager *runtime.Manager,
	gov *governor.Governor,
	bindings store.BindingRepository,
	whitelist store.WhitelistRepository,
) *Handler {
	return &Handler{
		manager:   manager,
		gov:       gov,
		bindings:  bindings,
		whitelist: whitelist,
	}
}

// Routes registers every operator command behind the governor. Reads go
// through as status class, control-plane mutations as settings class, and
// game operations under their own class so the cooldown tracks match what
// the command actually does to the farm.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.admit(model.ActionStatus, h.ServiceStatus))
	r.Get("/logs", h.admit(model.ActionStatus, h.Logs))

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.admit(model.ActionStatus, h.ListAccounts))
		r.Post("/", h.admit(model.ActionSettings, h.UpsertAccount))

		r.Route("/{accountID}", func(r chi.Router) {
			r.Delete("/", h.admit(model.ActionSettings, h.DeleteAccount))
			r.Post("/start", h.admit(model.ActionSettings, h.StartAccount))
			r.Post("/stop", h.admit(model.ActionSettings, h.StopAccount))
			r.Get("/status", h.admit(model.ActionStatus, h.AccountStatus))

			r.Get("/lands", h.admit(model.ActionStatus, h.Lands))
			r.Post("/farm", h.admit(model.ActionFarm, h.FarmOperation))
			r.Get("/friends", h.admit(model.ActionStatus, h.Friends))
			r.Get("/friends/{friendGID}/lands", h.admit(model.ActionStatus, h.FriendLands))
			r.Post("/friends/{friendGID}/op", h.admit(model.ActionFriend, h.FriendOperation))
			r.Get("/seeds", h.admit(model.ActionStatus, h.Seeds))
			r.Get("/bag", h.admit(model.ActionStatus, h.Bag))
			r.Post("/sell", h.admit(model.ActionSell, h.Sell))
			r.Post("/tasks/claim", h.admit(model.ActionTask, h.ClaimTasks))

			r.Get("/settings", h.admit(model.ActionStatus, h.AccountSettings))
			r.Post("/settings", h.admit(model.ActionSettings, h.SaveAccountSettings))
			r.Post("/automation", h.admit(model.ActionSettings, h.ToggleAutomation))
		})
	})

	r.Get("/settings", h.admit(model.ActionStatus, h.DefaultSettings))
	r.Post("/settings", h.admit(model.ActionSettings, h.SaveDefaultSettings))

	r.Route("/bindings", func(r chi.Router) {
		r.Post("/", h.admit(model.ActionSettings, h.Bind))
		r.Get("/{userID}", h.admit(model.ActionStatus, h.Binding))
		r.Delete("/{userID}", h.admit(model.ActionSettings, h.Unbind))
	})

	r.Route("/whitelist", func(r chi.Router) {
		r.Get("/", h.admit(model.ActionStatus, h.Whitelist))
		r.Post("/", h.admit(model.ActionSettings, h.WhitelistAdd))
		r.Delete("/", h.admit(model.ActionSettings, h.WhitelistRemove))
	})

	return r
}

// admit holds a governor lease for the duration of the wrapped handler.
func (h *Handler) admit(class model.ActionClass, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lease, err := h.operatorLease(r, class)
		if err != nil {
			writeError(w, err)
			return
		}
		defer lease.Release()
		next(w, r)
	}
}

// operatorLease pushes the calling operator through the governor before any
// handler work happens. Cooldown and in-flight track the operator so the
// scheduler's own traffic never locks a human out; the write lock still
// tracks the account when the route names one.
func (h *Handler) operatorLease(r *http.Request, class model.ActionClass) (*governor.Lease, error) {
	operator := middleware.GetOperator(r.Context())
	lease, err := h.gov.Acquire(r.Context(), "op:"+operator, accountIDParam(r), class)
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && appErr.Hint == "" {
			return nil, appErr.WithHint("try again shortly")
		}
		return nil, err
	}
	return lease, nil
}

func accountIDParam(r *http.Request) string {
	return chi.URLParam(r, "accountID")
}
