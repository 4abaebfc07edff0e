/*
Package api holds the HTTP surface of the uploader.

The subpackages each register their routes on a chi router:

  - progresshandler: GET /progress/{id}, one-shot consumption of finished sessions
  - hookshandler: POST /hooks, tusd webhook receiver for externally run tus servers
  - downloadhandler: GET /download/{filename}, serves staged files to pull based pinning services
  - clients: a signing client for the progress endpoint

Shared payload types live in this package.
*/
package api
