package query

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"

	"github.com/lumen-bi/lumen-engine/pkg/dialect"
)

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// Rebind converts PostgreSQL-style positional parameters ($1, $2, ...) in the
// query to the engine's placeholder style and reorders args to match.
// For ?-style engines (MySQL, SQLite) args are expanded in occurrence order,
// so a parameter referenced twice is passed twice. SQL Server parameters are
// wrapped as named @pN arguments.
func Rebind(engine dialect.Engine, sqlQuery string, args []any) (string, []any, error) {
	if engine == dialect.Postgres {
		return sqlQuery, args, nil
	}

	var bindErr error
	ordered := make([]any, 0, len(args))

	rebound := placeholderPattern.ReplaceAllStringFunc(sqlQuery, func(match string) string {
		n, err := strconv.Atoi(match[1:])
		if err != nil || n < 1 || n > len(args) {
			bindErr = fmt.Errorf("parameter %s out of range (have %d args)", match, len(args))
			return match
		}

		switch engine {
		case dialect.MySQL, dialect.SQLite:
			ordered = append(ordered, args[n-1])
			return "?"
		case dialect.MSSQL, dialect.Oracle:
			return dialect.Placeholder(engine, n)
		default:
			return match
		}
	})
	if bindErr != nil {
		return "", nil, bindErr
	}

	switch engine {
	case dialect.MySQL, dialect.SQLite:
		return rebound, ordered, nil
	case dialect.MSSQL:
		named := make([]any, len(args))
		for i, arg := range args {
			named[i] = sql.Named(fmt.Sprintf("p%d", i+1), arg)
		}
		return rebound, named, nil
	default:
		return rebound, args, nil
	}
}
