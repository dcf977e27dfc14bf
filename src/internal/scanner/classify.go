package scanner

import (
	"path"
	"slices"
	"strings"

	"github.com/mukes555/PortKilla/src/internal/rules"
	"github.com/mukes555/PortKilla/src/internal/types"
)

var (
	nodeNames = []string{"node", "npm", "yarn", "pnpm", "next", "vite", "webpack", "bun", "deno"}
	// nodeCommands is narrower than nodeNames: "bun" in a command line would catch "bundle".
	nodeCommands = []string{"node", "npm", "npx", "yarn", "pnpm"}
	dbNames      = []string{"postgres", "mysql", "mongod", "redis-server", "mariadb", "mysqld", "docker-proxy"}
	webNames     = []string{"apache", "nginx", "httpd", "caddy"}
	dockerNames  = []string{"docker", "com.docker", "vpnkit"}
)

type runtimeRule struct {
	typ      types.ProcessType
	names    []string
	commands []string
}

var runtimeRules = []runtimeRule{
	{types.TypePython, []string{"python", "gunicorn", "uvicorn"}, []string{"python", "gunicorn", "uvicorn"}},
	{types.TypeJava, []string{"java", "gradle", "mvn"}, []string{"java", "gradle", "mvn"}},
	{types.TypeRuby, []string{"ruby", "rails", "puma"}, []string{"ruby", "rails", "bundle"}},
	{types.TypePHP, []string{"php"}, []string{"php", "laravel"}},
}

// Classify maps a process name and command line to a ProcessType.
// Rules are case-insensitive substring tests evaluated in a fixed order; the first match wins.
func Classify(name, command string) types.ProcessType {
	n := strings.ToLower(name)
	c := strings.ToLower(command)

	switch {
	case containsAny(n, nodeNames) || containsAny(c, nodeCommands):
		return types.TypeNodeJS
	case containsAny(n, dbNames):
		return types.TypeDatabase
	case containsAny(n, webNames):
		return types.TypeWebServer
	}

	for _, r := range runtimeRules {
		if containsAny(n, r.names) || containsAny(c, r.commands) {
			return r.typ
		}
	}

	switch {
	case isGo(n, c):
		return types.TypeGo
	case containsAny(n, dockerNames) || containsAny(c, dockerNames):
		return types.TypeDocker
	case rules.Matches(n, rules.KnownTools):
		return types.TypeIDETool
	default:
		return types.TypeOther
	}
}

// isGo matches `go run` servers, binaries built into go-build temp dirs and the air live reloader.
// Plain "go" substrings are too common in process names ("google", "cargo") to be useful.
func isGo(name, command string) bool {
	if name == "go" || name == "air" {
		return true
	}
	if strings.Contains(command, "go run") || strings.Contains(command, "/go-build") {
		return true
	}
	if fields := strings.Fields(command); len(fields) > 0 && path.Base(fields[0]) == "air" {
		return true
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

var projectDirs = []string{"projects", "workspace", "dev", "code"}

// ExtractProjectName guesses a project from a command line such as
// "node /Users/me/projects/shop/server.js" ("shop"). It returns "" when no
// path segment names a known project directory.
func ExtractProjectName(command string) string {
	segments := strings.Split(command, "/")
	for i, seg := range segments {
		if !slices.Contains(projectDirs, strings.ToLower(seg)) {
			continue
		}
		if i+1 >= len(segments) {
			return ""
		}
		next := segments[i+1]
		if fields := strings.Fields(next); len(fields) > 0 {
			return fields[0]
		}
		return ""
	}
	return ""
}
