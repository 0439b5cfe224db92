// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"fmt"
	stdhtml "html"
	"net/http"
)

// ErrorPage renders the gateway's short HTML error page. It is plain
// enough to survive composition, so proxied error responses carry the
// same chrome as everything else.
func ErrorPage(status int, message string) []byte {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	if message == "" {
		message = "Something went wrong on the way to the service you requested."
	}
	return []byte(fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%[1]s</title>
</head>
<body>
<main class="gateway-error">
<h1>%[1]s</h1>
<p>%[2]s</p>
<p><a href="/">Back to your dashboard</a></p>
</main>
</body>
</html>
`, stdhtml.EscapeString(title), stdhtml.EscapeString(message)))
}
