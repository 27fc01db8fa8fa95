package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gadgetcore/runtime/gadget"
)

// echoParams is the typed parameter struct for the echo gadget.
type echoParams struct {
	Text string `json:"text" jsonschema:"required,description=text to echo back"`
}

func newEchoGadget() gadget.Gadget {
	return gadget.Typed("echo", "echoes its input text back unchanged", 0,
		func(ctx context.Context, ectx *gadget.Context, params *echoParams) (gadget.Result, error) {
			return gadget.Text(params.Text), nil
		})
}

// calculatorParams is the typed parameter struct for the calculator gadget.
type calculatorParams struct {
	Op string  `json:"op" jsonschema:"required,enum=add,enum=sub,enum=mul,enum=div,description=operation to perform"`
	A  float64 `json:"a" jsonschema:"required"`
	B  float64 `json:"b" jsonschema:"required"`
}

func newCalculatorGadget() gadget.Gadget {
	return gadget.Typed("calculator", "performs one arithmetic operation over two numbers", 0,
		func(ctx context.Context, ectx *gadget.Context, params *calculatorParams) (gadget.Result, error) {
			var result float64
			switch params.Op {
			case "add":
				result = params.A + params.B
			case "sub":
				result = params.A - params.B
			case "mul":
				result = params.A * params.B
			case "div":
				if params.B == 0 {
					return gadget.Result{}, fmt.Errorf("division by zero")
				}
				result = params.A / params.B
			default:
				return gadget.Result{}, fmt.Errorf("unknown operation %q", params.Op)
			}
			return gadget.Text(strconv.FormatFloat(result, 'g', -1, 64)), nil
		})
}
