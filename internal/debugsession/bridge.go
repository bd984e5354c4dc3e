package debugsession

import (
	"context"

	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/sessionmgr"
	"github.com/mcp-funnel/funnel/internal/sourcemap"
)

// NewCreateFunc adapts Session construction to sessionmgr.CreateFunc, so the
// Session Manager can create and index sessions without importing this
// (much larger) package's concrete type — it only ever sees the Session
// interface.
func NewCreateFunc(mapper *sourcemap.Mapper) sessionmgr.CreateFunc {
	return func(ctx context.Context, cfgAny any) (sessionmgr.Session, error) {
		cfg, ok := cfgAny.(Config)
		if !ok {
			return nil, funnelerr.New(funnelerr.Fatal, "session", "start_session requires a debugsession.Config")
		}
		sess := New(cfg, mapper, Handlers{})
		if err := sess.Connect(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}
}
