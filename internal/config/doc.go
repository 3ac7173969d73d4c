/*
Package config loads settings for the mogilefs client and its tools.

Three sources are merged, later ones winning:

	defaults (NewDefault)
	YAML file (LoadFromFile)
	environment, MOGILEFS_* (LoadFromEnv)

Command line flags are applied by the caller on top.

# Layout

	global:
	  log_level: WARN
	  log_format: text
	  metrics_addr: ":9090"
	client:
	  domain: media
	  trackers: [tracker1:7001, tracker2:7001]
	  class: default
	  max_retries: 2
	  retry_sleep: 2s
	pool:
	  max_active: 8
	  max_wait: 30s
	  when_exhausted: block
	backend:
	  type: tracker    # tracker, local or s3
	  local_root: /var/lib/mogilefs
	  s3:
	    bucket: media
	mount:
	  entry_ttl: 1s

# Mogtool files

The older mogtool format is still read. Each line is "key = value" and '#'
starts a comment. Files are consulted in MogtoolFiles order and the first file
that sets a key wins:

	cfg := config.NewDefault()
	values, err := config.ReadMogtoolFiles(config.MogtoolFiles(*confFlag)...)
	if err != nil {
		return err
	}
	cfg.ApplyMogtool(values)

Recognised keys are domain, trackers (comma separated), class and verify.
*/
package config
