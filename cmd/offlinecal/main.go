// Command offlinecal keeps a local calendar store in sync with CalDAV
// servers and serves a small control API over it.
package main

func main() {
	Execute()
}
