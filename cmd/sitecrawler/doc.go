/*
Sitecrawler runs single-host crawl jobs.

Usage:

	sitecrawler serve   [--config FILE]
	sitecrawler crawl   [--config FILE] --seed URL [--seed URL...] [--name NAME]
	sitecrawler migrate [--config FILE]
	sitecrawler cancel  [--config FILE] JOB_ID

Configuration is read from the optional file and from CRAWLER_* environment
variables, with nested keys joined by underscores (CRAWLER_STORAGE_BUCKET).
*/
package main
