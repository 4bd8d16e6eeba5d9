package user

import (
	"context"
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/auth"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/rs/zerolog/log"
)

type dbContextKey string

const (
	dbUserContextKey dbContextKey = "db_user"
)

func GetDBUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(dbUserContextKey).(*models.User)
	return user, ok
}

// UserMiddleware loads the authenticated caller's row. It runs after
// auth.Middleware.RequireAuth.
func UserMiddleware(userService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authUser, ok := auth.GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized: User not found in context", http.StatusUnauthorized)
				return
			}

			dbUser, err := userService.GetOrCreate(r.Context(), authUser.Email)
			if err != nil {
				log.Error().Err(err).Str("email", authUser.Email).Msg("Failed to get or create user")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			logging.EnrichUser(r.Context(), dbUser.Email)

			ctx := context.WithValue(r.Context(), dbUserContextKey, dbUser)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
