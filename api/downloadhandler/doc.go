// Package downloadhandler serves locally staged uploads, for storage
// providers that pull content from a URL instead of receiving it.
package downloadhandler
