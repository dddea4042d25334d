// Package httperr defines the JSON envelope every API response uses.
package httperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope is the response body shape for both success and failure. Code is 0
// on success and mirrors the HTTP status on failure.
type Envelope struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// OK writes a 200 envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Code: 0, Msg: "ok", Data: data})
}

// Created writes a 201 envelope.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Code: 0, Msg: "ok", Data: data})
}

// Fail writes an error envelope and aborts the handler chain.
func Fail(c *gin.Context, status int, msg string, err error) {
	env := Envelope{Code: status, Msg: msg}
	if err != nil {
		env.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, env)
}

// BadRequest writes a 400 envelope.
func BadRequest(c *gin.Context, msg string, err error) {
	Fail(c, http.StatusBadRequest, msg, err)
}

// NotFound writes a 404 envelope.
func NotFound(c *gin.Context, msg string) {
	Fail(c, http.StatusNotFound, msg, nil)
}

// Unauthorized writes a 401 envelope.
func Unauthorized(c *gin.Context, msg string) {
	Fail(c, http.StatusUnauthorized, msg, nil)
}

// Conflict writes a 409 envelope.
func Conflict(c *gin.Context, msg string) {
	Fail(c, http.StatusConflict, msg, nil)
}

// Internal writes a 500 envelope.
func Internal(c *gin.Context, err error) {
	Fail(c, http.StatusInternalServerError, "internal error", err)
}
