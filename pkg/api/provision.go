package api

import (
	"net/http"
	"time"

	"coinvault/pkg/auth"
	"coinvault/pkg/cache"
	"coinvault/pkg/cache/memory"
)

var walletKeys = cache.NewKeyPattern("wallet", ":")

// walletProvisioner opens the wallet of each user the first time the process sees them.
// Provisioned users are remembered for an hour.
type walletProvisioner struct {
	server *Server
	seen   *memory.MemoryCache
}

func newWalletProvisioner(s *Server) *walletProvisioner {
	return &walletProvisioner{
		server: s,
		seen: memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:            "provisioned-wallets",
			MaxSize:         10000,
			DefaultTTL:      time.Hour,
			CleanupInterval: 10 * time.Minute,
		}),
	}
}

func (p *walletProvisioner) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := walletKeys.Build(userID)
		if _, err := p.seen.Get(r.Context(), key); err == nil {
			next.ServeHTTP(w, r)
			return
		}

		if _, err := p.server.engine.OpenWallet(r.Context(), userID); err != nil {
			p.server.writeError(w, r, err)
			return
		}
		p.seen.Set(r.Context(), key, []byte{1}, 0)
		next.ServeHTTP(w, r)
	})
}

func (p *walletProvisioner) Close() error {
	return p.seen.Close()
}
