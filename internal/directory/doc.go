// Package directory persists the username to chat address mapping.
//
// The update poller is the only writer. The dispatch endpoint and the
// ad-hoc sender reload the whole mapping on every use.
package directory
