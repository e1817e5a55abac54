package dataset

import (
	"strings"

	"github.com/saacpsi/psistreams/config"
)

// StoreName returns the stream name and the store name under which a stream
// of a process is recorded in a session.
//
// Independant stores each stream in "{process}-{stream}", Process stores
// every stream of a process in "{process}", and Dictionnary expands the
// template of the stream, "%s" being the session and "%p" the process. A
// template without "%p" renames the stream "{process}-{stream}" so streams of
// different processes do not collide in a shared store. A stream without a
// template, or with no session recording (session ""), falls back to
// Independant.
func StoreName(mode config.StoreMode, templates map[string]string, stream, process, session string) (string, string) {
	switch mode {
	case config.StoreProcess:
		return stream, process
	case config.StoreDictionnary:
		tmpl, ok := templates[stream]
		if !ok || session == "" {
			break
		}
		name := strings.NewReplacer("%s", session, "%p", process).Replace(tmpl)
		if strings.Contains(tmpl, "%p") {
			return stream, name
		}
		return process + "-" + stream, name
	}
	return stream, process + "-" + stream
}
