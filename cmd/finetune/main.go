// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/cmd/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "finetune",
	Short: "Fine-tune a pretrained ResNet to tell ants from bees.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.CloseLogger()
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show version and CPU information.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(version.BuildInfo())
	},
}

func init() {
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCommand.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	rootCommand.PersistentFlags().Bool("no-progress", false, "hide progress bars")

	trainCommand.Flags().String("pretrained", "", "pretrained weights (checkpoint or ONNX), overrides model.pretrained")
	trainCommand.Flags().Int("epochs", 0, "number of epochs, overrides train.epochs")
	trainCommand.Flags().Int("jobs", 0, "number of goroutines for kernels and decoding, overrides train.jobs")
	predictCommand.Flags().Int("num-images", 0, "number of images to predict, overrides visualize.num_images")
	predictCommand.Flags().StringP("output", "o", "", "output PNG file, defaults to <visualize.dir>/predictions.png")

	rootCommand.AddCommand(trainCommand, evaluateCommand, predictCommand, versionCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
