// Package catalog loads the set of known URLs that input rows are filtered
// against. Order is preserved and duplicates are dropped.
package catalog

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const DefaultQuery = "SELECT DISTINCT uri FROM visits"

// Read parses one URL per line. Blank lines and lines starting with '#' are
// ignored.
func Read(r io.Reader) ([]string, error) {
	var urls []string
	seen := make(map[string]struct{})
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		urls = append(urls, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

func FromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	urls, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return urls, nil
}

// FromSQLite runs query against the sqlite database at path and collects the
// first column of every row. An empty query uses DefaultQuery.
func FromSQLite(ctx context.Context, path, query string) ([]string, error) {
	if query == "" {
		query = DefaultQuery
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	defer rows.Close()

	var urls []string
	seen := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		if u == "" || strings.ContainsRune(u, '\n') {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
