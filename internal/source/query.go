package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// trackerTimeLayout is the timestamp form the search query language
// accepts in comparison clauses.
const trackerTimeLayout = "2006-01-02 15:04"

// BuildQuery assembles the search query from a project allow-list and
// an optional since expression. Fetch order is pinned to creation time
// so repeated runs see records in a stable order.
func BuildQuery(projects []string, since string, now time.Time) (string, error) {
	var clauses []string

	switch len(projects) {
	case 0:
	case 1:
		clauses = append(clauses, fmt.Sprintf("project = %s", projects[0]))
	default:
		clauses = append(clauses, fmt.Sprintf("project in (%s)", strings.Join(projects, ", ")))
	}

	if since != "" {
		t, err := ParseSince(since, now)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, fmt.Sprintf("updated >= %q", t.Format(trackerTimeLayout)))
	}

	query := strings.Join(clauses, " AND ")
	if query != "" {
		query += " "
	}
	return query + "ORDER BY created DESC", nil
}

// ParseSince resolves a since expression relative to now. Natural
// language ("2 weeks ago", "yesterday") is tried first, then absolute
// date forms.
func ParseSince(text string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err == nil && r != nil {
		return r.Time, nil
	}

	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04", time.RFC3339} {
		if t, perr := time.Parse(layout, text); perr == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression %q", text)
}
