// Package main provides the settle CLI.
//
// settle drives a headless Chrome and reports how long navigations take to settle, i.e. until
// no resource has been loading for the configured quiet time.
//
// Usage:
//
//	settle measure https://example.com
//	settle measure --route /about --route /pricing https://example.com
//
// See --help for all available options.
package main

func main() {
	Execute()
}
