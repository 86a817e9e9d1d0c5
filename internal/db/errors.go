package db

import "errors"

var (
	ErrRunNotFound       = errors.New("send run not found")
	ErrRecipientNotFound = errors.New("recipient not found in run")
	ErrTemplateNotFound  = errors.New("template not found")
)
