package stores

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so that timestamps stored as TEXT sort
// and compare correctly.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// dialect captures the differences between the SQL backends sharing sqlStore.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// textTime stores timestamps as fixed-width UTC text
	textTime bool

	// stepOrder breaks created_at ties when listing saga steps
	stepOrder string
}

var (
	sqliteDialect = dialect{
		name:      "sqlite",
		textTime:  true,
		stepOrder: "created_at ASC, rowid ASC",
	}

	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		stepOrder: "created_at ASC, step_id ASC",
	}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg converts t to a query argument.
func (d dialect) timeArg(t time.Time) interface{} {
	if d.textTime {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// nullTimeArg converts an optional time to a query argument.
func (d dialect) nullTimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// dbTime scans timestamps written by either dialect. Drivers hand back
// time.Time for typed columns and text for SQLite values they did not parse.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported time value %T", value)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognized time format %q", s)
}

// ptr returns the time as a pointer, nil when NULL.
func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
