// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Argument is a QEMU command line argument with or without a value.
//
// Its name might be marked to be unique in an argument list.
type Argument struct {
	name          string
	value         string
	nonUniqueName bool
}

// Name returns the name of the [Argument].
func (a *Argument) Name() string {
	return a.name
}

// Value returns the value of the [Argument].
func (a *Argument) Value() string {
	return a.value
}

// String returns a string representation of the argument.
func (a *Argument) String() string {
	return fmt.Sprintf("%s: %s", a.name, a.value)
}

// Equal compares the [Argument]s.
//
// If the name is marked unique, only names are compared. Otherwise name and
// value are compared.
func (a *Argument) Equal(b Argument) bool {
	if a.name != b.name {
		return false
	}

	if a.nonUniqueName {
		return a.value == b.value
	}

	return true
}

// WithValue returns a constructor function that takes a single value and
// returns a new [Argument] with the name of the receiver argument and the
// value passed to the constructor function.
func (a Argument) WithValue() func(string) Argument {
	return func(s string) Argument {
		a := a
		a.value = s

		return a
	}
}

// WithMultiValue is like [Argument.WithValue] but joins multiple values.
func (a Argument) WithMultiValue(separator string) func(...string) Argument {
	return func(s ...string) Argument {
		return a.WithValue()(strings.Join(s, separator))
	}
}

// WithIntValue is like [Argument.WithValue] but takes an integer value.
func (a Argument) WithIntValue() func(int) Argument {
	return func(i int) Argument {
		return a.WithValue()(strconv.Itoa(i))
	}
}

// UniqueArg returns a new [Argument] with the given name that is marked as
// unique and so can be used in an argument list only once.
func UniqueArg(name string) Argument {
	return Argument{
		name: name,
	}
}

// RepeatableArg returns a new [Argument] with the given name that may be
// used multiple times.
func RepeatableArg(name string) Argument {
	return Argument{
		name:          name,
		nonUniqueName: true,
	}
}

var (
	// Path of the kernel to boot.
	ArgKernel = UniqueArg("kernel").WithValue()
	// Machine type, depends on the target architecture.
	ArgMachine = UniqueArg("M").WithValue()
	// Guest memory in MB.
	ArgMemory = UniqueArg("m").WithIntValue()
	// Number of guest CPUs.
	ArgSMP = UniqueArg("smp").WithIntValue()
	// Primary hard disk image.
	ArgDiskImage = UniqueArg("hda").WithValue()
	// Extra device, like the virtio RNG.
	ArgDevice = RepeatableArg("device").WithMultiValue(",")
	// Legacy network option, used twice: once for the NIC and once for
	// the user-mode backend carrying SMB exports and port forwards.
	ArgNet = RepeatableArg("net").WithMultiValue(",")
	// Kernel environment appended to the boot command line.
	ArgAppend = RepeatableArg("append").WithMultiValue(" ")
)

// Arguments is a list of [Argument]s.
type Arguments []Argument

// Add appends the given [Argument]s to the list.
func (a *Arguments) Add(args ...Argument) *Arguments {
	*a = append(*a, args...)
	return a
}

// Build compiles the [Argument]s into a string slice usable with
// [os/exec.Command].
//
// It returns an error if any name uniqueness constraint is violated.
func (a Arguments) Build() ([]string, error) {
	argStrings := make([]string, 0, len(a))

	for idx, arg := range a {
		if i := slices.IndexFunc(a[:idx], arg.Equal); i != -1 {
			return nil, fmt.Errorf(
				"%w: %s, %s",
				ErrArgumentCollision,
				arg.String(),
				a[i].String(),
			)
		}

		argStrings = append(argStrings, "-"+arg.name)

		if arg.value != "" {
			argStrings = append(argStrings, arg.value)
		}
	}

	return argStrings, nil
}
