package api

import "github.com/gin-gonic/gin"

// errorBody is the shared error envelope: { error, success: false, cid? }.
func errorBody(msg, cid string) gin.H {
	body := gin.H{"error": msg, "success": false}
	if cid != "" {
		body["cid"] = cid
	}
	return body
}
