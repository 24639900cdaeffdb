// Package catalog reads the list of launchable container images from a
// YAML or TOML file.
//
// Example file:
//
//	scripts:
//	  - id: py1
//	    title: Python 3.11
//	    image: python:3.11
//	    cmd: ["python", "main.py"]
//	    env: {EPOCHS: "3"}
//	    cpu_limit: "1.5"
//	    mem_limit: 512m
package catalog
