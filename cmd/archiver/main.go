// Package main provides the site-archiver CLI.
//
// Usage:
//
//	site-archiver crawl --site <key>
//	site-archiver crawl --all-sites
//	site-archiver validate
//	site-archiver list-sites
package main

const version = "0.4.0"

func main() {
	Execute()
}
