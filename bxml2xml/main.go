// Command bxml2xml decodes binary AndroidManifest.xml files from APKs into
// readable XML, resolving resource references through resources.arsc, and
// optionally verifies APK signatures.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ariqa-labs/bxmlrs"
	"github.com/ariqa-labs/bxmlrs/internal/logging"
	"github.com/avast/apkverifier"
)

type optsType struct {
	file string
	dir  string

	isManifest  bool
	isResources bool
	verifyApk   bool
	showInfo    bool

	logLevel  string
	logFormat string
}

func main() {
	var opts optsType

	flag.StringVar(&opts.file, "file", "", "Decode one input file (APK unless -m/-r is given)")
	flag.StringVar(&opts.dir, "dir", "", "Decode every *.apk in the directory")
	flag.BoolVar(&opts.isManifest, "m", false, "The input file is a raw AndroidManifest.xml")
	flag.BoolVar(&opts.isResources, "r", false, "The input file is a raw resources.arsc")
	flag.BoolVar(&opts.verifyApk, "v", false, "Verify the APK signature")
	flag.BoolVar(&opts.showInfo, "i", false, "Print extracted manifest fields (package, sdk, permissions, components)")
	flag.StringVar(&opts.logLevel, "loglevel", "warn", "Diagnostics level: debug, info, warn, error")
	flag.StringVar(&opts.logFormat, "logformat", "text", "Diagnostics format: text, json")

	flag.Parse()

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(opts.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(level, format, os.Stderr)

	inputs := flag.Args()
	if opts.file != "" {
		inputs = append(inputs, opts.file)
	}
	if opts.dir != "" {
		entries, err := os.ReadDir(opts.dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".apk") {
				inputs = append(inputs, filepath.Join(opts.dir, e.Name()))
			}
		}
	}

	if len(inputs) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-file INPUT | -dir DIR] [flags]\n", os.Args[0])
		os.Exit(1)
	}

	exitcode := 0
	for i, input := range inputs {
		if i != 0 {
			fmt.Println()
		}
		if len(inputs) != 1 {
			fmt.Println("File:", input)
		}

		if !processInput(input, &opts, log) {
			exitcode = 1
		}
	}
	os.Exit(exitcode)
}

func processInput(input string, opts *optsType, log bxmlrs.Logger) bool {
	if opts.isManifest || opts.isResources {
		return processRaw(input, opts, log)
	}
	return processApk(input, opts, log)
}

func processRaw(input string, opts *optsType, log bxmlrs.Logger) bool {
	f, err := os.Open(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	defer f.Close()

	if opts.isResources {
		if _, err := bxmlrs.ParseResourceTableWithLogger(f, log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		return true
	}

	enc := bxmlrs.NewXmlEncoder(os.Stdout)
	err = bxmlrs.ParseXmlWithLogger(f, enc, nil, log)
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	return true
}

func processApk(input string, opts *optsType, log bxmlrs.Logger) bool {
	apk, err := bxmlrs.OpenApk(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	defer apk.Close()

	var buf bytes.Buffer
	parser := bxmlrs.NewParser(apk, bxmlrs.NewXmlEncoder(&buf))
	parser.SetLogger(log)

	if err := parser.ParseResources(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse resources: %s\n", err.Error())
	}
	if err := parser.ParseXml("AndroidManifest.xml"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}

	os.Stdout.Write(buf.Bytes())
	fmt.Println()

	ok := true
	if opts.showInfo {
		ok = printManifestInfo(buf.Bytes())
	}
	if opts.verifyApk {
		if !verifyApk(input) {
			ok = false
		}
	}
	return ok
}

func printManifestInfo(xmlData []byte) bool {
	m, err := bxmlrs.ParseManifestInfo(bytes.NewReader(xmlData))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}

	fmt.Println()
	fmt.Println("package:", m.Package)
	if m.VersionName != "" || m.VersionCode != "" {
		fmt.Printf("version: %s (%s)\n", m.VersionName, m.VersionCode)
	}
	if m.Application.Label != "" {
		fmt.Println("label:", m.Application.Label)
	}
	if m.UsesSdk.MinSdkVersion != "" {
		fmt.Printf("sdk: min %s target %s\n", m.UsesSdk.MinSdkVersion, m.UsesSdk.TargetSdkVersion)
	}

	for _, p := range m.PermissionNames() {
		fmt.Println("uses-permission:", p)
	}
	for _, a := range m.Application.Activities {
		fmt.Println("activity:", a.Name)
	}
	for _, s := range m.Application.Services {
		fmt.Println("service:", s.Name)
	}
	for _, r := range m.Application.Receivers {
		fmt.Println("receiver:", r.Name)
	}
	for _, p := range m.Application.Providers {
		fmt.Println("provider:", p.Name)
	}
	return true
}

func verifyApk(input string) bool {
	res, err := apkverifier.Verify(input, nil)

	fmt.Println()
	fmt.Printf("verification scheme used: v%d\n", res.SigningSchemeId)

	_, picked := apkverifier.PickBestApkCert(res.SignerCerts)
	if picked != nil {
		var cinfo apkverifier.CertInfo
		cinfo.Fill(picked)

		fmt.Println("subject:", cinfo.Subject)
		fmt.Println("validfrom:", cinfo.ValidFrom)
		fmt.Println("validto:", cinfo.ValidTo)
		fmt.Println("thumbprint-sha256:", cinfo.Sha256)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "verification error:", err)
		return false
	}
	return true
}
