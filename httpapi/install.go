package httpapi

import (
	"bytes"
	"context"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/k2tzumi/hue-kintai-slask-command/oauth"
)

const (
	InstallPath  = "/slack/install"
	CallbackPath = "/slack/oauth/callback"
)

// Installer runs the OAuth v2 install flow behind the install routes.
type Installer interface {
	BeginInstall(ctx context.Context) (string, error)
	CompleteInstall(ctx context.Context, code, state string) (oauth.Installation, error)
	Installation(ctx context.Context) (oauth.Installation, bool, error)
	Logout(ctx context.Context) error
}

var _ Installer = (*oauth.Installer)(nil)

// WithInstaller mounts GET /slack/install and GET /slack/oauth/callback.
func WithInstaller(installer Installer) Option {
	return func(r *router) { r.installer = installer }
}

var installedPage = template.Must(template.New("installed").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>kintai</title></head>
<body>
<p>OK!</p>
{{if .AppID}}<p><a href="{{.EventSubscriptionsURL}}">Event Subscriptions</a></p>
<p><a href="{{.SlashCommandsURL}}">Slash Commands</a></p>{{end}}
<p><a href="{{.ReinstallPath}}">Reinstall</a></p>
</body></html>
`))

type installedView struct {
	oauth.Installation
	ReinstallPath string
}

func (r *router) install() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, logout := c.GetQuery("logout"); logout {
			if err := r.installer.Logout(ctx); err != nil {
				writeError(c, err)
				return
			}
			c.String(http.StatusOK, "Logged out.")
			return
		}
		if _, reinstall := c.GetQuery("reinstall"); !reinstall {
			installation, installed, err := r.installer.Installation(ctx)
			if err != nil {
				writeError(c, err)
				return
			}
			if installed {
				r.renderInstalled(c, installation)
				return
			}
		}
		authURL, err := r.installer.BeginInstall(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Redirect(http.StatusFound, authURL)
	}
}

func (r *router) callback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if reason := c.Query("error"); reason != "" {
			r.logger.Info("httpapi: install denied", "reason", reason)
			c.String(http.StatusForbidden, "Denied. You can close this tab.")
			return
		}
		installation, err := r.installer.CompleteInstall(c.Request.Context(), c.Query("code"), c.Query("state"))
		switch {
		case oauth.IsInvalidState(err):
			c.String(http.StatusForbidden, "Denied. You can close this tab.")
			return
		case err != nil:
			r.logger.Warn("httpapi: install failed", "error", err)
			writeError(c, err)
			return
		}
		r.renderInstalled(c, installation)
	}
}

func (r *router) renderInstalled(c *gin.Context, installation oauth.Installation) {
	var buf bytes.Buffer
	view := installedView{Installation: installation, ReinstallPath: InstallPath + "?reinstall"}
	if err := installedPage.Execute(&buf, view); err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
