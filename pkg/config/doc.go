/*
Package config loads the middlewared configuration file.

The file is YAML (gopkg.in/yaml.v3) layered over Default(), then checked
with go-playground/validator struct tags. All validation failures are
joined into a single error so an operator sees every problem at once.

	node_id: node-a
	state_dir: /var/db/middlewared
	logs_dir: /var/log/middlewared
	database_path: /data/freenas-v1.db
	listen:
	  http: 0.0.0.0:6000
	  grpc: 0.0.0.0:6001
	jobs:
	  ring_size: 1024
	  abort_timeout: 10s
	ha:
	  enabled: true
	  node: A
	  peer_url: ws://169.254.10.2:6000/websocket
	  retry_interval: 5s
	dlm:
	  enabled: true
	  cluster_name: HA

Derived paths (journal file, persistent cache, job logs) are methods on
Config so that every component agrees on the layout under state_dir and
logs_dir.
*/
package config
