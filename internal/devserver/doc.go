// Package devserver emulates the remote function service over HTTP. It hosts
// in-process stub functions behind the same routes, bearer authentication and
// error bodies as the real service, so the client can be exercised end to end
// without network access.
package devserver
