// Package pagedata owns the durable artifact layout shared with the
// renderer: temporary page query results, page-data.json files and static
// query results. Paths are stable for a given schema major version.
package pagedata

import (
	"path"
	"regexp"
	"strings"
)

const (
	cacheJSONDir     = ".cache/json"
	publicPageData   = "public/page-data"
	staticQueryDir   = "public/page-data/sq/d"
	pageDataFileName = "page-data.json"
)

// FixedPagePath maps the site root to "index" so it can name a directory.
func FixedPagePath(pagePath string) string {
	if pagePath == "/" {
		return "index"
	}
	return pagePath
}

// PageDataPath is the location of a page's page-data.json, relative to the
// site directory.
func PageDataPath(pagePath string) string {
	return path.Join(publicPageData, FixedPagePath(pagePath), pageDataFileName)
}

// QueryResultPath is where a page's query result waits until its
// page-data.json is flushed.
func QueryResultPath(pagePath string) string {
	return path.Join(cacheJSONDir, strings.ReplaceAll(pagePath, "/", "_")+".json")
}

// StaticQueryPath is the result location of the static query with hash.
func StaticQueryPath(hash string) string {
	return path.Join(staticQueryDir, hash+".json")
}

var chunkUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// ComponentChunkName derives the renderer chunk name of a component path.
func ComponentChunkName(component string) string {
	name := strings.TrimSuffix(component, path.Ext(component))
	name = strings.Trim(chunkUnsafe.ReplaceAllString(name, "-"), "-")
	return "component---" + strings.ToLower(name)
}
