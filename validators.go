package main

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var ethAddrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// registerValidators extends gin's binding validator with domain rules.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
		return ethAddrPattern.MatchString(fl.Field().String())
	})
}
