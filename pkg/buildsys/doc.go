// Package buildsys implements a small stylesheet build system. Projects are described in a Starlark
// descriptor (tasks.star) which loads step plugins, declares their targets and groups them into named
// tasks. The actual work is done by plugins resolved through a Registry; shell tasks run on mvdan.cc/sh.
package buildsys
