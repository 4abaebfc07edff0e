// Package progresshandler implements the progress endpoint polled by
// upload clients.
package progresshandler
